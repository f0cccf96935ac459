package kb

import (
	"context"
	"errors"
	"testing"
)

func TestNewFailoverProviderSwitchesToBackupOnFailedHealthCheck(t *testing.T) {
	primary := &fakeLLM{err: errors.New("connection refused")}
	backup := &fakeLLM{response: "backup says hi"}

	f := NewFailoverProvider(context.Background(), primary, backup)

	resp, err := f.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp != "backup says hi" {
		t.Errorf("expected backup response, got %q", resp)
	}
}

func TestFailoverProviderUsesPrimaryWhenHealthy(t *testing.T) {
	primary := &fakeLLM{response: "primary says hi"}
	backup := &fakeLLM{response: "backup says hi"}

	f := NewFailoverProvider(context.Background(), primary, backup)

	resp, err := f.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp != "primary says hi" {
		t.Errorf("expected primary response, got %q", resp)
	}
}

func TestFailoverProviderSwitchesMidQueryOnUnavailableError(t *testing.T) {
	primary := &fakeLLM{err: errors.New("dial tcp: no such host")}
	backup := &fakeLLM{response: "backup says hi"}

	f := NewFailoverProvider(context.Background(), &fakeLLM{response: "ok"}, backup)
	f.primary = primary // simulate the primary failing after a healthy init check

	resp, err := f.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp != "backup says hi" {
		t.Errorf("expected failover to backup, got %q", resp)
	}

	// Subsequent calls should stick to the backup without retrying primary.
	primary.err = errors.New("should not be called again")
	resp2, err := f.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp2 != "backup says hi" {
		t.Errorf("expected sticky failover to backup, got %q", resp2)
	}
}

func TestFailoverProviderDoesNotSwitchOnOrdinaryError(t *testing.T) {
	primary := &fakeLLM{err: errors.New("invalid request: missing field")}
	backup := &fakeLLM{response: "backup says hi"}

	f := NewFailoverProvider(context.Background(), &fakeLLM{response: "ok"}, backup)
	f.primary = primary

	_, err := f.Complete(context.Background(), "sys", "user")
	if err == nil {
		t.Fatal("expected the ordinary error to propagate without failover")
	}
}

func TestLooksUnavailableMatchesKnownSubstrings(t *testing.T) {
	cases := []string{
		"connection refused",
		"EOF",
		"dial tcp: no such host",
		"404 not found",
		"i/o timeout",
	}
	for _, msg := range cases {
		if !looksUnavailable(errors.New(msg)) {
			t.Errorf("expected %q to look unavailable", msg)
		}
	}
	if looksUnavailable(errors.New("invalid json schema")) {
		t.Error("expected ordinary parse error not to look unavailable")
	}
}
