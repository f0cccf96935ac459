package kb

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kbforge/hybridretrieval/internal/observability"
)

// FailoverProvider wraps a primary and backup LLMProvider. It health-checks
// the primary once at construction and switches to the backup if the
// primary is unreachable. During normal operation, a completion call whose
// error text looks like an unreachability symptom triggers a one-shot
// switchover to the backup for the remainder of the process; this is a
// coarse, string-matching heuristic rather than a typed transport error,
// a known soft spot inherited from the upstream providers' error surfaces.
type FailoverProvider struct {
	primary LLMProvider
	backup  LLMProvider

	mu         sync.Mutex
	useBackup  bool
	switchedAt string
	logger     zerolog.Logger
}

// unavailabilitySubstrings are matched case-insensitively against a
// completion error's message to decide whether it signals the primary
// provider is unreachable rather than merely having rejected this request.
var unavailabilitySubstrings = []string{
	"not found",
	"404",
	"connection",
	"no such host",
	"eof",
	"i/o timeout",
}

// NewFailoverProvider builds a FailoverProvider, running a health check
// against primary. If the health check fails, the backup is used for every
// subsequent call without a further attempt to recover the primary.
func NewFailoverProvider(ctx context.Context, primary, backup LLMProvider) *FailoverProvider {
	f := &FailoverProvider{
		primary: primary,
		backup:  backup,
		logger:  observability.Logger("kb.llm_failover"),
	}

	if _, err := primary.Complete(ctx, "ping", "ping"); err != nil {
		f.logger.Warn().Err(err).Msg("primary llm provider failed init health check, using backup")
		f.useBackup = true
	}

	return f
}

// Complete implements LLMProvider, transparently failing over to the
// backup provider.
func (f *FailoverProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.mu.Lock()
	useBackup := f.useBackup
	f.mu.Unlock()

	if useBackup {
		return f.backup.Complete(ctx, systemPrompt, userPrompt)
	}

	result, err := f.primary.Complete(ctx, systemPrompt, userPrompt)
	if err == nil {
		return result, nil
	}

	if !looksUnavailable(err) {
		return "", err
	}

	f.mu.Lock()
	f.useBackup = true
	f.mu.Unlock()
	observability.LogEvent(f.logger, observability.EventLLMFailover, map[string]interface{}{
		"reason": err.Error(),
	})

	return f.backup.Complete(ctx, systemPrompt, userPrompt)
}

// looksUnavailable reports whether err's message contains one of the known
// unreachability substrings.
func looksUnavailable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, substr := range unavailabilitySubstrings {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}
