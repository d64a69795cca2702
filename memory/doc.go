// Package memory provides primitives for working with addresses in
// a target process' virtual memory.
//
// The Address type is used throughout revkit to describe resolved
// symbols, module bases, and PLT and GOT entries. A PointerMaker
// decodes the raw pointers a target stores, such as the contents of
// GOT slots, into Addresses.
//
// This API is heavily influenced by the 'pwntools' Python library.
package memory
