package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errTransient = errors.New("backend unavailable")
	errConflict  = errors.New("precondition failed")
	errNotFound  = errors.New("not found")
	errFatal     = errors.New("bad request")
)

func kindOf(err error) Kind {
	switch {
	case errors.Is(err, errTransient):
		return KindTransient
	case errors.Is(err, errConflict):
		return KindConflict
	case errors.Is(err, errNotFound):
		return KindNotFound
	default:
		return KindFatal
	}
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestDoRetryBudgets(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
		wantErr   bool
	}{
		{name: "transient exhausts three retries", err: errTransient, wantCalls: 4, wantErr: true},
		{name: "conflict exhausts two retries", err: errConflict, wantCalls: 3, wantErr: true},
		{name: "not found never retried", err: errNotFound, wantCalls: 1, wantErr: true},
		{name: "fatal never retried", err: errFatal, wantCalls: 1, wantErr: true},
		{name: "success on first try", err: nil, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(3, 2, 10*time.Millisecond, kindOf).WithSleep(noSleep)

			calls := 0
			err := p.Do(context.Background(), func(ctx context.Context) error {
				calls++
				return tt.err
			})

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("Do() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, tt.err) {
				t.Errorf("Do() error = %v, want last error %v", err, tt.err)
			}
		})
	}
}

func TestDoRecoversMidway(t *testing.T) {
	p := NewPolicy(3, 2, 10*time.Millisecond, kindOf).WithSleep(noSleep)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoBackoffGrows(t *testing.T) {
	var delays []time.Duration
	p := NewPolicy(3, 0, 100*time.Millisecond, kindOf).
		WithSleep(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		})

	_ = p.Do(context.Background(), func(ctx context.Context) error {
		return errTransient
	})

	if len(delays) != 3 {
		t.Fatalf("got %d sleeps, want 3", len(delays))
	}
	base := 100 * time.Millisecond
	// Attempt n sleeps base*2^(n-1) plus up to one base of jitter.
	for i, d := range delays {
		lo := base << i
		hi := lo + base
		if d < lo || d > hi {
			t.Errorf("delay[%d] = %v, want in [%v, %v]", i, d, lo, hi)
		}
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := NewPolicy(5, 0, 10*time.Millisecond, kindOf).
		WithSleep(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		})

	calls := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		return errTransient
	})
	if err == nil {
		t.Fatal("Do() expected error after cancel")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry after cancel)", calls)
	}
}

func TestDoSeparateBudgets(t *testing.T) {
	// Alternating kinds draw from independent budgets.
	p := NewPolicy(2, 2, 10*time.Millisecond, kindOf).WithSleep(noSleep)

	seq := []error{errTransient, errConflict, errTransient, errConflict, errTransient}
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		defer func() { calls++ }()
		if calls < len(seq) {
			return seq[calls]
		}
		return nil
	})

	// 2 transient retries + 2 conflict retries are allowed, so the fifth
	// error (a third transient) ends the loop.
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("Do() error = %v, want %v", err, errTransient)
	}
}
