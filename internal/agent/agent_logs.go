package agent

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krakendeploy-com/kraken-agent/internal/protocol"
)

const (
	logFlushCount    = 10
	logFlushInterval = 2 * time.Second
)

// stepLogBuffer collects the classified log lines of one deployment step. The
// line counter is shared across both subprocess streams and direct appends,
// so Line values form a gap-free total order. Pending lines survive failed
// uploads; they are only dropped after a successful POST.
type stepLogBuffer struct {
	counter atomic.Int64

	mu        sync.Mutex
	pending   []protocol.ScriptLogLine
	all       []protocol.ScriptLogLine
	lastFlush time.Time

	flushMu sync.Mutex

	now func() time.Time
}

func newStepLogBuffer(now func() time.Time) *stepLogBuffer {
	if now == nil {
		now = time.Now
	}
	return &stepLogBuffer{lastFlush: now(), now: now}
}

func (b *stepLogBuffer) Append(level, message string) protocol.ScriptLogLine {
	b.mu.Lock()
	// Numbering inside the critical section keeps pending in ascending Line
	// order even when both stream drains append at once.
	line := protocol.ScriptLogLine{
		Line:      int(b.counter.Add(1)),
		Timestamp: b.now().UTC(),
		Level:     protocol.NormalizeLogLevel(level),
		Message:   message,
	}
	b.pending = append(b.pending, line)
	b.all = append(b.all, line)
	b.mu.Unlock()
	return line
}

func (b *stepLogBuffer) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// intervalDue reports whether the periodic trigger fired: pending lines exist
// and the last successful flush is at least the flush interval old.
func (b *stepLogBuffer) intervalDue() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0 && b.now().Sub(b.lastFlush) >= logFlushInterval
}

func (b *stepLogBuffer) countDue() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) >= logFlushCount
}

// Flush posts the pending snapshot through post. On success the posted lines
// leave the buffer and the interval timer resets; on failure everything is
// retained for the next attempt. Concurrent flushes serialize.
func (b *stepLogBuffer) Flush(ctx context.Context, post func(context.Context, []protocol.ScriptLogLine) error) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	snapshot := append([]protocol.ScriptLogLine(nil), b.pending...)
	b.mu.Unlock()
	if len(snapshot) == 0 {
		return nil
	}

	if err := post(ctx, snapshot); err != nil {
		return err
	}

	b.mu.Lock()
	b.pending = b.pending[len(snapshot):]
	b.lastFlush = b.now()
	b.mu.Unlock()
	return nil
}

// Lines returns every line appended so far, ordered by Line.
func (b *stepLogBuffer) Lines() []protocol.ScriptLogLine {
	b.mu.Lock()
	lines := append([]protocol.ScriptLogLine(nil), b.all...)
	b.mu.Unlock()
	sort.Slice(lines, func(i, j int) bool { return lines[i].Line < lines[j].Line })
	return lines
}

// Transcript joins all messages in Line order, keeping at most the trailing
// maxTranscriptBytes.
func (b *stepLogBuffer) Transcript() string {
	lines := b.Lines()
	messages := make([]string, len(lines))
	for i, line := range lines {
		messages[i] = line.Message
	}
	transcript := strings.Join(messages, "\n")
	if len(transcript) > maxTranscriptBytes {
		transcript = transcript[len(transcript)-maxTranscriptBytes:]
	}
	return transcript
}

// redactLines masks every secret value in outbound messages. The in-memory
// transcript keeps the raw output.
func redactLines(lines []protocol.ScriptLogLine, secrets []string) []protocol.ScriptLogLine {
	if len(secrets) == 0 {
		return lines
	}
	out := make([]protocol.ScriptLogLine, len(lines))
	for i, line := range lines {
		for _, secret := range secrets {
			line.Message = strings.ReplaceAll(line.Message, secret, "***")
		}
		out[i] = line
	}
	return out
}
