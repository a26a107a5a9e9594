// Package github turns GitHub activity into background tasks: a webhook
// receiver with HMAC verification, an Events API poller for repos without
// hooks, and a REST client for managing repo hooks.
package github

import "errors"

// Stable error codes surfaced to callers and trigger logs.
const (
	CodeSignatureInvalid = "SIGNATURE_INVALID"
	CodeRateLimited      = "RATE_LIMITED"
	CodeUpstreamError    = "UPSTREAM_ERROR"
)

var (
	// ErrSignatureInvalid is returned when a delivery's HMAC does not match.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrRateLimited is returned when GitHub reports an exhausted rate limit.
	ErrRateLimited = errors.New("github rate limit exhausted")
)
