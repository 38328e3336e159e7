// Package refresh implements the network side of a tab's token refresh: an HTTP
// [goAuthSync.TokenExchanger] that posts the refresh credential and classifies the reply.
//
// # Classification
//
// 2xx with both tokens yields a pair. 400, 401, 403, 404 and 410 mean the credential was
// refused and wrap [goAuthSync.ErrRefreshRejected]. 408, 429, 5xx, timeouts and network
// errors wrap [goAuthSync.ErrRefreshTransient]. A 2xx body without both tokens wraps
// [goAuthSync.ErrRefreshMalformed].
//
// # What this package must NOT do
//
//   - Retry; the coordinator and scheduler own retry timing.
//   - Touch tab state; the coordinator applies the outcome.
package refresh
