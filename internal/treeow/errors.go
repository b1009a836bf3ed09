package treeow

import "errors"

var (
	// ErrAPI is returned when the cloud rejects a request in its response
	// envelope.
	ErrAPI = errors.New("treeow: api error")

	// ErrUnauthorized is returned for HTTP 401 and 403. The access token
	// needs replacing.
	ErrUnauthorized = errors.New("treeow: unauthorized")

	// ErrWriteRejected is returned when the read-back after a write does not
	// report the written value.
	ErrWriteRejected = errors.New("treeow: write not applied")

	// ErrMalformedResponse is returned when a response body cannot be decoded.
	ErrMalformedResponse = errors.New("treeow: malformed response")
)
