package manager

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"mlxd/pkg/types"
)

// commitCoalescer batches streamed text into NDJSON commit lines. Chunks
// accumulate until the commit interval has elapsed, then go out as one line;
// an interval of zero or less commits every chunk. Flush drains whatever is
// pending at stream end, Discard drops it (the cancel path writes nothing
// after the last commit).
type commitCoalescer struct {
	w        io.Writer
	flush    func()
	interval time.Duration
	onCommit func(bytes int)

	mu   sync.Mutex
	buf  strings.Builder
	last time.Time
}

func newCommitCoalescer(w io.Writer, flush func(), interval time.Duration, onCommit func(int)) *commitCoalescer {
	return &commitCoalescer{w: w, flush: flush, interval: interval, onCommit: onCommit, last: time.Now()}
}

// Add buffers text and commits when the interval has elapsed.
func (c *commitCoalescer) Add(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.WriteString(text)
	if c.interval > 0 && time.Since(c.last) < c.interval {
		return nil
	}
	return c.commitLocked()
}

// Flush commits anything still pending.
func (c *commitCoalescer) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitLocked()
}

// Discard drops pending text without writing.
func (c *commitCoalescer) Discard() {
	c.mu.Lock()
	c.buf.Reset()
	c.mu.Unlock()
}

func (c *commitCoalescer) commitLocked() error {
	if c.buf.Len() == 0 {
		return nil
	}
	line, err := json.Marshal(types.GenerateChunk{Text: c.buf.String()})
	if err != nil {
		return err
	}
	n := c.buf.Len()
	c.buf.Reset()
	c.last = time.Now()
	if _, err := c.w.Write(append(line, '\n')); err != nil {
		return err
	}
	if c.flush != nil {
		c.flush()
	}
	if c.onCommit != nil {
		c.onCommit(n)
	}
	return nil
}
