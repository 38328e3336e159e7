// Package rate provides Redis-backed fixed-window throttles for the development issuer.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Keys:
//   - <prefix>:rl:login:<subject>
//   - <prefix>:rl:refresh:<family>
//
// # What this package must NOT do
//
//   - Decide what a throttled request means for a session.
//   - Be imported outside the module.
package rate
