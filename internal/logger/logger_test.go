package logger

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func captureOutput(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	Close()
	buf := &bytes.Buffer{}
	out = buf
	once = sync.Once{}
	t.Setenv("LOG_LEVEL", level)
	t.Setenv("LOG_FORMAT", "json")
	t.Cleanup(func() {
		Close()
		SetPrefix("")
	})
	return buf
}

func TestInfofWritesPrefixedMessage(t *testing.T) {
	buf := captureOutput(t, "info")
	SetPrefix("api")

	Infof("ticket %s created", "t-1")
	Flush()

	assert.Contains(t, buf.String(), `[api] ticket t-1 created`)
	assert.Contains(t, buf.String(), `"level":"INFO"`)
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	buf := captureOutput(t, "info")

	Debugf("poll tick %d", 1)
	Errorf("fetch failed: %v", "boom")
	Flush()

	assert.NotContains(t, buf.String(), "poll tick")
	assert.Contains(t, buf.String(), "fetch failed: boom")
}

func TestLogDurationOnlySlowCallsAtInfo(t *testing.T) {
	buf := captureOutput(t, "info")

	LogDuration("fast", time.Now())
	LogDuration("slow", time.Now().Add(-150*time.Millisecond))
	Flush()

	assert.NotContains(t, buf.String(), "fn=fast")
	assert.Contains(t, buf.String(), "fn=slow")
}

func TestSetLevelDebugLogsEverything(t *testing.T) {
	buf := captureOutput(t, "info")
	SetLevel("debug")

	DeferLogDuration("repo.List", time.Now())()
	Debugf("details")
	Flush()

	assert.Contains(t, buf.String(), "fn=repo.List")
	assert.Contains(t, buf.String(), "details")
}

func TestCloseDrainsQueueAndLaterLogsAreWritten(t *testing.T) {
	buf := captureOutput(t, "info")

	for i := 0; i < 100; i++ {
		Infof("queued %d", i)
	}
	Close()
	out := buf.String()
	assert.Contains(t, out, "queued 0")
	assert.Contains(t, out, "queued 99")

	Infof("after close")
	Flush()
	Close()
	assert.Contains(t, buf.String(), "after close")
}

func TestLoggingConcurrentWithCloseAndFlush(t *testing.T) {
	buf := captureOutput(t, "info")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				Infof("worker %d line %d", g, i)
				if i%10 == 0 {
					Flush()
				}
			}
		}(g)
	}
	Close()
	wg.Wait()
	Close()

	assert.Contains(t, buf.String(), "worker")
}
