package parallel

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeCoversEveryIndexOnce(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		n    int
	}{
		{"default", DefaultConfig(), 1000},
		{"disabled", Config{Enabled: false, NumWorkers: 8}, 100},
		{"uneven", Config{Enabled: true, NumWorkers: 7, MinChunkSize: 3}, 200},
		{"below chunk", Config{Enabled: true, NumWorkers: 4, MinChunkSize: 16}, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen := make([]int32, tt.n)
			err := Range(tt.n, tt.cfg, func(lo, hi int) error {
				for i := lo; i < hi; i++ {
					atomic.AddInt32(&seen[i], 1)
				}
				return nil
			})
			require.NoError(t, err)
			for i, v := range seen {
				assert.Equal(t, int32(1), v, "index %d", i)
			}
		})
	}
}

func TestRangeSplitsAcrossWorkers(t *testing.T) {
	var mu sync.Mutex
	chunks := 0
	cfg := Config{Enabled: true, NumWorkers: 4, MinChunkSize: 2}
	require.NoError(t, Range(64, cfg, func(int, int) error {
		mu.Lock()
		chunks++
		mu.Unlock()
		return nil
	}))
	assert.Equal(t, 4, chunks)
}

func TestRangeReturnsError(t *testing.T) {
	boom := errors.New("boom")
	cfg := Config{Enabled: true, NumWorkers: 4, MinChunkSize: 1}
	err := Range(64, cfg, func(lo, _ int) error {
		if lo == 0 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestRangeEmpty(t *testing.T) {
	called := false
	require.NoError(t, Range(0, DefaultConfig(), func(int, int) error {
		called = true
		return nil
	}))
	assert.False(t, called)
}

func BenchmarkRange(b *testing.B) {
	const n = 1 << 16
	data := make([]float32, n)
	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"parallel", DefaultConfig()},
		{"sequential", Config{}},
	} {
		b.Run(tc.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = Range(n, tc.cfg, func(lo, hi int) error {
					for j := lo; j < hi; j++ {
						data[j] = data[j]*0.5 + 1
					}
					return nil
				})
			}
		})
	}
}
