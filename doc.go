// Package alignkit provides functionality for inspecting and patching
// the program-header tables of ELF binaries.
//
// APIs are separated into subpackages, and documented accordingly.
//
// For scripting convenience, "OrExit" functions and methods are provided.
// Any errors encountered by these functions are treated as fatal. In such
// cases, an exit handler function is invoked.
package alignkit
