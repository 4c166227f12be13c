package safego

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not complete within timeout")
	}
}

func TestGo_RunsFunction(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	ran := false
	Go("test", func() {
		defer wg.Done()
		ran = true
	})
	waitOrFail(t, &wg)
	if !ran {
		t.Error("function did not run")
	}
}

func TestGo_RecoversPanicAndLogsTask(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&lockedWriter{w: &buf, mu: &mu}, nil)))
	defer slog.SetDefault(prev)

	var wg sync.WaitGroup
	wg.Add(1)
	// This should not crash the test process; the panic must be recovered.
	Go("conversion abc", func() {
		defer wg.Done()
		panic("intentional panic in test")
	})
	waitOrFail(t, &wg)

	// The log line is written after the deferred Done; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		out := buf.String()
		mu.Unlock()
		if strings.Contains(out, `task="conversion abc"`) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("panic was not logged with its task name")
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
