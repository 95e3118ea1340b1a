package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerName(t *testing.T) {
	assert.Equal(t, "mc-survival", containerName("survival"))
}

func TestParsePercent(t *testing.T) {
	v, err := parsePercent("12.34%")
	require.NoError(t, err)
	assert.InDelta(t, 12.34, v, 0.001)

	v, err = parsePercent(" 250.0% ")
	require.NoError(t, err)
	assert.InDelta(t, 250.0, v, 0.001)

	_, err = parsePercent("n/a")
	assert.Error(t, err)
}

func TestParseMemUsageMB(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"512MiB / 4GiB", 512},
		{"1.5GiB / 4GiB", 1536},
		{"100kB / 1GiB", 0.1},
		{"2048KiB / 1GiB", 2},
		{"1073741824B / 4GiB", 1024},
		{"2GB / 8GB", 2000},
	}
	for _, c := range cases {
		got, err := parseMemUsageMB(c.in)
		require.NoError(t, err, c.in)
		assert.InDelta(t, c.want, got, 0.01, c.in)
	}
}

func TestParseMemUsageMBRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "???", "12XiB / 1GiB", "GiB / GiB"} {
		_, err := parseMemUsageMB(in)
		assert.Error(t, err, in)
	}
}

func TestDockerStatsNotRunning(t *testing.T) {
	events := make(chan Event, 1)
	d := NewDocker(events, testLogger())
	_, err := d.Stats(t.Context(), "ghost")
	assert.ErrorIs(t, err, ErrNotRunning)
}
