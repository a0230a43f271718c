// Package testutil bounds fuzz inputs and run time for the codec fuzzers.
package testutil

import (
	"testing"
	"time"
)

const (
	// MaxFuzzBytes covers two full PDUs at the largest content length.
	MaxFuzzBytes    = 2 * (16<<10 + 512)
	FuzzCallTimeout = 200 * time.Millisecond
)

// CapBytes truncates b to max bytes. A non-positive max keeps b whole.
func CapBytes(b []byte, max int) []byte {
	if max > 0 && len(b) > max {
		return b[:max]
	}
	return b
}

// WithTimeout fails t when fn does not return within d. fn runs on its own
// goroutine and must report through t.Errorf, not t.Fatalf.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = FuzzCallTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("fuzz call still running after %s", d)
	}
}
