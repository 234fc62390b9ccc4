package common

import (
	"errors"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	cap := 60 * time.Second

	t.Run("doubles per attempt", func(t *testing.T) {
		cases := []struct {
			attempt int
			want    time.Duration
		}{
			{1, 2 * time.Second},
			{2, 4 * time.Second},
			{3, 8 * time.Second},
			{4, 16 * time.Second},
		}
		for _, c := range cases {
			if got := Backoff(c.attempt, base, cap, 0); got != c.want {
				t.Errorf("Backoff(%d) = %v, want %v", c.attempt, got, c.want)
			}
		}
	})

	t.Run("caps at maximum", func(t *testing.T) {
		if got := Backoff(10, base, cap, 0); got != cap {
			t.Errorf("Backoff(10) = %v, want cap %v", got, cap)
		}
		if got := Backoff(100, base, cap, 0); got != cap {
			t.Errorf("Backoff(100) = %v, want cap %v", got, cap)
		}
	})

	t.Run("jitter stays within bound", func(t *testing.T) {
		jitter := 500 * time.Millisecond
		for i := 0; i < 50; i++ {
			got := Backoff(1, base, cap, jitter)
			if got < base || got >= base+jitter {
				t.Fatalf("Backoff with jitter = %v, want [%v, %v)", got, base, base+jitter)
			}
		}
	})

	t.Run("invalid attempt falls back to base", func(t *testing.T) {
		if got := Backoff(-3, base, cap, 0); got != base {
			t.Errorf("Backoff(-3) = %v, want %v", got, base)
		}
	})
}

func TestIsTerminal(t *testing.T) {
	term := &TerminalError{Code: "APBK0919", Message: "insufficient funds"}
	if !IsTerminal(term) {
		t.Errorf("TerminalError should be terminal")
	}
	if !IsTerminal(errors.Join(errors.New("wrapped"), term)) {
		t.Errorf("wrapped TerminalError should be terminal")
	}
	exhausted := &RetryExhaustedError{Attempts: 8, Last: errors.New("timeout")}
	if IsTerminal(exhausted) {
		t.Errorf("retry exhaustion is not a broker rejection")
	}
}
