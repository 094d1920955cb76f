package persistence

import (
	"context"
	"fmt"
	"testing"

	"github.com/mattn/go-sqlite3"
)

var (
	errBusy   = sqlite3.Error{Code: sqlite3.ErrBusy}
	errLocked = sqlite3.Error{Code: sqlite3.ErrLocked}
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		err    error
		expect bool
	}{
		{nil, false},
		{fmt.Errorf("some other error"), false},
		{errBusy, true},
		{errLocked, true},
		{fmt.Errorf("wrapped: %w", errBusy), true},
		{sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
	}
	for _, tt := range tests {
		got := isSQLiteBusy(tt.err)
		if got != tt.expect {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestConstraintClassifiers(t *testing.T) {
	unique := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}
	fk := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey}
	if !isUniqueViolation(fmt.Errorf("insert: %w", unique)) {
		t.Fatal("expected wrapped unique violation to be recognized")
	}
	if isUniqueViolation(fk) {
		t.Fatal("foreign key violation is not a unique violation")
	}
	if !isForeignKeyViolation(fk) {
		t.Fatal("expected foreign key violation to be recognized")
	}
	if isForeignKeyViolation(fmt.Errorf("plain")) {
		t.Fatal("plain error is not a constraint violation")
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
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return validationf("title", "required")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call (no retry on non-busy), got %d", calls)
	}
}

func TestRetryOnBusy_BusyThenSuccess(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return errBusy
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

func TestRetryOnBusy_ExhaustedRetries(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 2, func() error {
		calls++
		return errLocked
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// maxRetries=2 means attempts 0,1,2 = 3 total calls.
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnBusy_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		if calls == 1 {
			cancel()
		}
		return errBusy
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected to stop after cancel, got %d calls", calls)
	}
}

func TestCanTransitionLink(t *testing.T) {
	tests := []struct {
		from, to LinkStatus
		ok       bool
	}{
		{LinkStatusPending, LinkStatusSuccess, true},
		{LinkStatusPending, LinkStatusFailed, true},
		{LinkStatusPending, LinkStatusCancelled, true},
		{LinkStatusFailed, LinkStatusPending, true},
		{LinkStatusFailed, LinkStatusCancelled, true},
		{LinkStatusFailed, LinkStatusSuccess, false},
		{LinkStatusSuccess, LinkStatusFailed, false},
		{LinkStatusSuccess, LinkStatusPending, false},
		{LinkStatusCancelled, LinkStatusPending, false},
		{LinkStatusPending, LinkStatusPending, false},
	}
	for _, tt := range tests {
		if got := canTransitionLink(tt.from, tt.to); got != tt.ok {
			t.Errorf("canTransitionLink(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestClassifyLength(t *testing.T) {
	tests := []struct {
		words int
		want  LengthClass
	}{
		{0, LengthShort},
		{99, LengthShort},
		{100, LengthMedium},
		{999, LengthMedium},
		{1000, LengthLong},
	}
	for _, tt := range tests {
		if got := ClassifyLength(tt.words); got != tt.want {
			t.Errorf("ClassifyLength(%d) = %s, want %s", tt.words, got, tt.want)
		}
	}
}
