package chat

import "errors"

// Connection-scoped errors (ErrAuth, ErrProtocol) end only the offending connection.
// Message-scoped errors (ErrAuthorization, ErrTransport) are recovered by the router.
var (
	ErrAuth             = errors.New("authentication failed")
	ErrAuthorization    = errors.New("not authorized")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrTransport        = errors.New("transport failure")
	ErrProtocol         = errors.New("protocol error")
	ErrNotFound         = errors.New("not found")
)
