// Package goAuthSync keeps one logical authentication session consistent across the
// tabs (participants) of a single origin.
//
// Each [Tab] owns a [SessionService], which holds the tab's [AuthState] and runs the
// cross-tab broadcast protocol, and a [RefreshCoordinator], which refreshes the access
// token at most once at a time and never more often than the configured interval.
// Tabs reconcile purely by last-write-wins on [AuthState.LastUpdateTimestamp].
//
// # Architecture boundaries
//
// goAuthSync is the public surface. Transports implement [MessageBus] (see bus/memory,
// bus/redisbus, bus/wsbus) and persisted credential stores implement [KeyValueStore]
// (see store/memory, store/redisstore, store/boltstore). The refresh network call is a
// [TokenExchanger]; refresh.Client is the HTTP implementation. Refresh outcome rules
// live under internal/ and are never exported.
//
// # What this package must NOT do
//
//   - Persist the access token anywhere.
//   - Retry a failed refresh internally; callers and the scheduler decide when to retry.
//   - Return errors or panic from the broadcast handler for bad input; bad frames are
//     counted and dropped.
//   - Import any sub-package that re-imports goAuthSync (no import cycles).
package goAuthSync
