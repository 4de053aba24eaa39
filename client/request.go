package client

import "net/http"

// Request describes one API call. It holds enough to rebuild the
// underlying HTTP request, so the pipeline can replay it after a token
// refresh or a completed verification challenge.
type Request struct {
	Method string
	Path   string
	// Body is JSON-marshaled when non-nil.
	Body   any
	Header http.Header

	// NoAuth skips session credential attachment even when a session UID
	// is supplied.
	NoAuth bool
	// ForceNoRetry opts out of automatic retry on connection errors.
	ForceNoRetry bool
}

// Response is a successful (2xx) API response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}
