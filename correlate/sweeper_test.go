package correlate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
)

func TestSweeper_SweepReportsExpired(t *testing.T) {
	clock := newFakeClock()
	c := New(DefaultKinds(), WithClock(clock.Now))

	_, err := c.Ingest("C2", KindOrder, "o")
	assert.NoError(t, err)

	var reported []Expired
	var sizes []int
	s := NewSweeper(c, SweeperConfig{
		MaxAge:   time.Minute,
		Interval: time.Hour,
		Reporter: ReporterFunc(func(e Expired) { reported = append(reported, e) }),
		AfterSweep: func(c *Correlator) {
			sizes = append(sizes, c.Len())
		},
	})

	assert.Equal(t, 0, len(s.Sweep()))
	assert.Equal(t, 0, len(reported))

	clock.Advance(time.Minute)
	expired := s.Sweep()
	assert.Equal(t, 1, len(expired))
	assert.Equal(t, expired, reported)
	assert.Equal(t, []int{1, 0}, sizes)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	c := New(DefaultKinds())
	_, err := c.Ingest("C1", KindOrder, "o")
	assert.NoError(t, err)

	var mu sync.Mutex
	var reported []string
	s := NewSweeper(c, SweeperConfig{
		MaxAge:   time.Nanosecond,
		Interval: time.Millisecond,
		Reporter: ReporterFunc(func(e Expired) {
			mu.Lock()
			reported = append(reported, e.Key)
			mu.Unlock()
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- s.Run(ctx)
	}()

	assert.True(t, waitFor(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) == 1
	}))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
	assert.Equal(t, []string{"C1"}, reported)
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}
