package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		err    error
		expect bool
	}{
		{nil, false},
		{fmt.Errorf("some other error"), false},
		{fmt.Errorf("database is locked"), true},
		{fmt.Errorf("database table is locked"), true},
		{fmt.Errorf("SQLITE_BUSY (5)"), true},
		{fmt.Errorf("SQLITE_LOCKED (6)"), true},
		{fmt.Errorf("wrapped: database is locked"), true},
	}
	for _, tt := range tests {
		got := isSQLiteBusy(tt.err)
		if got != tt.expect {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestRetryOnBusy_NoError(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryOnBusy_NonBusyError(t *testing.T) {
	calls := 0
	wantErr := fmt.Errorf("not a busy error")
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected passthrough error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-busy errors must not retry, got %d calls", calls)
	}
}

func TestRetryOnBusy_EventualSuccess(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to AttemptStatus
		ok       bool
	}{
		{AttemptWaiting, AttemptSending, true},
		{AttemptWaiting, AttemptProcessing, true},
		{AttemptWaiting, AttemptFailed, true},
		{AttemptSending, AttemptSuccess, true},
		{AttemptSending, AttemptFailed, true},
		{AttemptFailed, AttemptSending, true},
		{AttemptFailed, AttemptProcessing, true},
		{AttemptWaiting, AttemptSuccess, false},
		{AttemptSuccess, AttemptSending, false},
		{AttemptSuccess, AttemptFailed, false},
		{AttemptSuccess, AttemptWaiting, false},
		{AttemptFailed, AttemptWaiting, false},
	}
	for _, tt := range tests {
		err := validateTransition(tt.from, tt.to)
		if tt.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tt.from, tt.to, err)
		}
		if !tt.ok && !errors.Is(err, ErrCASMismatch) {
			t.Errorf("%s -> %s: expected ErrCASMismatch, got %v", tt.from, tt.to, err)
		}
	}
}

func TestParseTimeString(t *testing.T) {
	if got := parseTimeString(""); !got.IsZero() {
		t.Fatalf("empty string should parse to zero time, got %v", got)
	}
	if got := parseTimeString("2026-01-02T03:04:05Z"); got.IsZero() {
		t.Fatal("rfc3339 string failed to parse")
	}
	if got := parseTimeString("2026-01-02 03:04:05"); got.IsZero() {
		t.Fatal("sqlite CURRENT_TIMESTAMP form failed to parse")
	}
	if got := parseTimeString("garbage"); !got.IsZero() {
		t.Fatalf("garbage should parse to zero time, got %v", got)
	}
}
