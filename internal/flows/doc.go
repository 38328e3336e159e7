// Package flows contains pure-function orchestrators for tab operations.
//
// Each flow function accepts a typed dependency struct of funcs and returns a result
// without side effects beyond those dependencies. This keeps the coordinator thin and
// lets the outcome rules be tested with plain closures.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import goAuthSync (to avoid import cycles).
//   - Perform I/O directly; all I/O is mediated through dependency funcs.
package flows
