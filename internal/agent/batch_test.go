package agent

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minefleet/minefleet/internal/wire"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches []wire.LogBatch
}

func (r *batchRecorder) record(serverID string, lines []wire.BatchLine) {
	r.mu.Lock()
	r.batches = append(r.batches, wire.LogBatch{ServerID: serverID, Lines: lines})
	r.mu.Unlock()
}

func (r *batchRecorder) snapshot() []wire.LogBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.LogBatch(nil), r.batches...)
}

func TestBatcherFlushesAtCapacity(t *testing.T) {
	rec := &batchRecorder{}
	b := newBatcher(rec.record)

	for i := 0; i < batchMaxLines; i++ {
		b.Add("s1", fmt.Sprintf("line-%d", i), "stdout")
	}

	got := rec.snapshot()
	require.Len(t, got, 1)
	require.Len(t, got[0].Lines, batchMaxLines)
	for i, l := range got[0].Lines {
		assert.Equal(t, fmt.Sprintf("line-%d", i), l.Line)
	}
}

func TestBatcherOverCapacitySplitsBatches(t *testing.T) {
	rec := &batchRecorder{}
	b := newBatcher(rec.record)

	total := batchMaxLines + 3
	for i := 0; i < total; i++ {
		b.Add("s1", fmt.Sprintf("line-%d", i), "stdout")
	}

	// the full batch left immediately, the remainder waits on the timer
	got := rec.snapshot()
	require.Len(t, got, 1)
	require.Len(t, got[0].Lines, batchMaxLines)

	assert.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	got = rec.snapshot()
	require.Len(t, got[1].Lines, total-batchMaxLines)
	assert.Equal(t, fmt.Sprintf("line-%d", batchMaxLines), got[1].Lines[0].Line)
	assert.Equal(t, fmt.Sprintf("line-%d", total-1), got[1].Lines[total-batchMaxLines-1].Line)
}

func TestBatcherFlushesAfterDelay(t *testing.T) {
	rec := &batchRecorder{}
	b := newBatcher(rec.record)

	b.Add("s1", "one", "stdout")
	b.Add("s1", "two", "stderr")
	assert.Empty(t, rec.snapshot())

	assert.Eventually(t, func() bool {
		got := rec.snapshot()
		return len(got) == 1 && len(got[0].Lines) == 2
	}, time.Second, 5*time.Millisecond)

	got := rec.snapshot()
	assert.Equal(t, "one", got[0].Lines[0].Line)
	assert.Equal(t, "stderr", got[0].Lines[1].Stream)
}

func TestBatcherKeepsServersSeparate(t *testing.T) {
	rec := &batchRecorder{}
	b := newBatcher(rec.record)

	b.Add("a", "from-a", "stdout")
	b.Add("b", "from-b", "stdout")
	b.Drain()

	got := rec.snapshot()
	require.Len(t, got, 2)
	ids := []string{got[0].ServerID, got[1].ServerID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestBatcherDrainOnEmptyIsNoop(t *testing.T) {
	rec := &batchRecorder{}
	b := newBatcher(rec.record)
	b.Drain()
	assert.Empty(t, rec.snapshot())
}
