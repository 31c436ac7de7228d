package testutil

import (
	"log"
	"os"
	"strings"
	"sync"
	"testing"
)

// testWriter routes log output to t.Log until the test is cleaned up. Pumps
// and timers that outlive the test fall back to stderr.
type testWriter struct {
	mu   sync.Mutex
	t    *testing.T
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return os.Stderr.Write(p)
	}
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func TestLogger(t *testing.T) *log.Logger {
	w := &testWriter{t: t}
	t.Cleanup(func() {
		w.mu.Lock()
		w.done = true
		w.mu.Unlock()
	})
	return log.New(w, "[test] ", log.Lmicroseconds)
}
