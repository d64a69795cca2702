// Package revkit maps between names and addresses in a process's
// address space.
//
// The modules subpackage indexes the images a process (or an offline
// snapshot of image files, see the process subpackage) has loaded and
// resolves symbols in them, including the PLT stubs and GOT slots of
// imported functions. Higher level subpackages evaluate address
// expressions (addrexpr), name arbitrary addresses (describe), and
// disassemble code in place (asmkit).
//
// For scripting convenience, "OrExit" functions and methods are provided.
// Any errors encountered by these functions are treated as fatal. In such
// cases, an exit handler function is invoked.
package revkit
