// Package internal contains helpers that are private to the module: refresh credential
// encoding and hashing for the development issuer.
//
// # Sub-packages
//
//   - flows: pure-function outcome rules for refresh flights
//   - rate: Redis fixed-window throttles for the development issuer
//
// # What this package must NOT do
//
//   - Export types that appear in the public goAuthSync API.
//   - Be imported by any package outside the module.
package internal
