package agent

import (
	"sync"
	"time"

	"github.com/minefleet/minefleet/internal/wire"
)

const (
	batchMaxLines = 25
	batchMaxDelay = 50 * time.Millisecond
)

// batcher coalesces console lines per server before they cross the control
// channel. A batch flushes when it reaches batchMaxLines or when the oldest
// pending line is batchMaxDelay old, whichever comes first. Order within a
// server is preserved.
type batcher struct {
	mu      sync.Mutex
	pending map[string][]wire.BatchLine
	timers  map[string]*time.Timer
	flush   func(serverID string, lines []wire.BatchLine)
}

func newBatcher(flush func(string, []wire.BatchLine)) *batcher {
	return &batcher{
		pending: make(map[string][]wire.BatchLine),
		timers:  make(map[string]*time.Timer),
		flush:   flush,
	}
}

func (b *batcher) Add(serverID, line, stream string) {
	b.mu.Lock()
	b.pending[serverID] = append(b.pending[serverID], wire.BatchLine{Line: line, Stream: stream})
	if len(b.pending[serverID]) >= batchMaxLines {
		lines := b.take(serverID)
		b.mu.Unlock()
		b.flush(serverID, lines)
		return
	}
	if _, armed := b.timers[serverID]; !armed {
		b.timers[serverID] = time.AfterFunc(batchMaxDelay, func() { b.flushServer(serverID) })
	}
	b.mu.Unlock()
}

// take removes and returns the pending lines for a server. Caller holds b.mu.
func (b *batcher) take(serverID string) []wire.BatchLine {
	lines := b.pending[serverID]
	delete(b.pending, serverID)
	if t, ok := b.timers[serverID]; ok {
		t.Stop()
		delete(b.timers, serverID)
	}
	return lines
}

func (b *batcher) flushServer(serverID string) {
	b.mu.Lock()
	lines := b.take(serverID)
	b.mu.Unlock()
	if len(lines) > 0 {
		b.flush(serverID, lines)
	}
}

// Drain flushes every pending batch immediately.
func (b *batcher) Drain() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.flushServer(id)
	}
}
