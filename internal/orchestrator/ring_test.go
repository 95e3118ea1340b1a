package orchestrator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogRingBelowCapacity(t *testing.T) {
	r := newLogRing(5)
	r.Append("a")
	r.Append("b")
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"a", "b"}, r.Last(10))
}

func TestLogRingWraps(t *testing.T) {
	r := newLogRing(3)
	for i := 0; i < 7; i++ {
		r.Append(fmt.Sprintf("line-%d", i))
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"line-4", "line-5", "line-6"}, r.Last(3))
	assert.Equal(t, []string{"line-5", "line-6"}, r.Last(2))
}

func TestLogRingZeroCapacityDefaults(t *testing.T) {
	r := newLogRing(0)
	r.Append("x")
	assert.Equal(t, []string{"x"}, r.Last(1))
}
