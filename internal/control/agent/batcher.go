package agent

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// logLine is one line of captured output, tagged with which stream it
// came from — the wire shape internal/control/server.logsRequest accepts.
type logLine struct {
	Content   string    `json:"content"`
	Stream    string    `json:"stream"`
	Timestamp time.Time `json:"timestamp"`
}

// logBatcher buffers output lines and flushes them to the control server
// whenever it accumulates maxBatchLines or maxBatchDelay elapses,
// whichever comes first (spec §4.6 step 4).
type logBatcher struct {
	client *client

	mu      sync.Mutex
	pending []logLine

	flush  chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

func newLogBatcher(c *client) *logBatcher {
	return &logBatcher{client: c, flush: make(chan struct{}, 1), done: make(chan struct{})}
}

func (b *logBatcher) start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(maxBatchDelay)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				b.flushNow(context.Background())
				return
			case <-b.done:
				b.flushNow(context.Background())
				return
			case <-ticker.C:
				b.flushNow(ctx)
			case <-b.flush:
				b.flushNow(ctx)
			}
		}
	}()
}

// stop signals the flush loop to drain and exit, and waits for it.
func (b *logBatcher) stop() {
	close(b.done)
	b.wg.Wait()
}

// consume reads lines from r (a command's stdout or stderr pipe) and
// appends them to the pending batch, tagging each with stream.
func (b *logBatcher) consume(r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		b.append(logLine{Content: scanner.Text(), Stream: stream, Timestamp: time.Now()})
	}
}

func (b *logBatcher) append(line logLine) {
	b.mu.Lock()
	b.pending = append(b.pending, line)
	full := len(b.pending) >= maxBatchLines
	b.mu.Unlock()

	if full {
		select {
		case b.flush <- struct{}{}:
		default:
		}
	}
}

func (b *logBatcher) flushNow(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if err := b.client.postLogs(ctx, batch); err != nil {
		logrus.WithError(err).Warnln("agent: failed to ship log batch")
	}
}
