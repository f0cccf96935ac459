package kb

import "errors"

// Error taxonomy per spec.md §7. Kinds, not types: every non-fatal kind is
// recovered locally by the adapter or orchestrator that encountered it and
// never reaches the caller of Search. Only ErrConfigurationError and
// ErrCancelled propagate.
var (
	// ErrStoreTimeout marks a store call that exceeded its deadline.
	// Recovered locally: treated as an empty result, warning logged.
	ErrStoreTimeout = errors.New("store call exceeded its deadline")

	// ErrStoreTransport marks a connection-refused/reset/protocol error
	// talking to a store. Recovered locally like ErrStoreTimeout. Each call
	// is recovered on its own: later calls to the same store within the same
	// query are still made.
	ErrStoreTransport = errors.New("store transport error")

	// ErrLLMUnavailable marks the Router's or KeywordExtractor's primary
	// LLM being unreachable. Recovered by failover to the backup LLM, or
	// to morphological extraction with hop=1 if the backup also fails.
	ErrLLMUnavailable = errors.New("llm provider unavailable")

	// ErrLLMMalformed marks an LLM response that could not be parsed
	// against the expected schema. Recovered the same way as
	// ErrLLMUnavailable; never retried.
	ErrLLMMalformed = errors.New("llm response malformed")

	// ErrConfigurationError marks a fatal misconfiguration: unknown
	// strategy name, out-of-band source weight, negative limit. Raised
	// before any I/O.
	ErrConfigurationError = errors.New("configuration error")

	// ErrCancelled marks caller-initiated cancellation. Surfaced as a
	// cancelled status; no partial results are returned.
	ErrCancelled = errors.New("search cancelled")
)

// IsRecoverable reports whether err is one of the kinds the engine recovers
// from locally without propagating to the caller of Search.
func IsRecoverable(err error) bool {
	switch {
	case errors.Is(err, ErrStoreTimeout),
		errors.Is(err, ErrStoreTransport),
		errors.Is(err, ErrLLMUnavailable),
		errors.Is(err, ErrLLMMalformed):
		return true
	default:
		return false
	}
}

// IsFatal reports whether err must propagate out of Search rather than be
// recovered as an empty result.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfigurationError) || errors.Is(err, ErrCancelled)
}
