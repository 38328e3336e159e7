package goAuthSync

import "errors"

var (
	// ErrRefreshRejected means the server refused the refresh credential (invalid, expired
	// or rotated out). It ends the session for every tab.
	ErrRefreshRejected = errors.New("refresh credential rejected")
	// ErrRefreshTransient covers network failures, timeouts, throttling and 5xx replies.
	ErrRefreshTransient = errors.New("refresh failed transiently")
	// ErrRefreshMalformed means the refresh endpoint replied 2xx with an unusable body.
	ErrRefreshMalformed = errors.New("malformed refresh response")
	// ErrTransportUnavailable is returned by buses that cannot open a broadcast channel.
	ErrTransportUnavailable = errors.New("broadcast transport unavailable")
	// ErrMalformedMessage marks a broadcast frame that failed to decode or validate.
	ErrMalformedMessage = errors.New("malformed broadcast message")
	// ErrStoreUnavailable wraps backend failures of a credential store.
	ErrStoreUnavailable = errors.New("credential store unavailable")
	// ErrNotAuthenticated is returned by the token source when no access token can be produced.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNotInitialized is returned when a tab is used before Start.
	ErrNotInitialized = errors.New("tab not initialized")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("tab already started")
	// ErrEmptyTokenPair is returned by Login when either token is empty.
	ErrEmptyTokenPair = errors.New("access token and refresh credential are required")
	// ErrTabClosed is returned by operations on a closed tab.
	ErrTabClosed = errors.New("tab closed")
)
