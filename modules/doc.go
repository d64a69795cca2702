// Package modules maps the images loaded by a Target to Modules with
// resolvable symbols.
//
// An Index pulls a fresh image list from its Target on every call,
// parses each image's header lazily, and answers name, position, and
// address lookups. A Module resolves plain symbol names as well as
// "plt.<name>" and "got.<name>" pseudo-symbols for imported functions
// and data.
package modules
