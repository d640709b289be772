package llm

import "errors"

// ErrUnavailable indicates the generation collaborator could not be reached
// or returned a non-success status. Transient; retryable at the call site.
var ErrUnavailable = errors.New("generation provider unavailable")

// ErrMalformedResponse indicates the generation collaborator returned output
// that does not conform to the expected response schema. The client retries a
// bounded number of times with reinforced formatting instructions before
// surfacing this error.
var ErrMalformedResponse = errors.New("malformed generation response")
