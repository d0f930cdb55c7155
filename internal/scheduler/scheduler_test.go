package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingOrch struct {
	ticks    atomic.Int64
	recovers atomic.Int64
}

func (c *countingOrch) Tick(context.Context) (int, error) {
	c.ticks.Add(1)
	return 0, nil
}

func (c *countingOrch) RecoverStale(context.Context) (int, error) {
	c.recovers.Add(1)
	return 0, nil
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	orch := &countingOrch{}
	s := New(orch, Config{TickInterval: 5 * time.Millisecond, RecoverInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, orch.ticks.Load(), int64(3))
	assert.Greater(t, orch.recovers.Load(), int64(0))
}

func TestNew_AppliesDefaults(t *testing.T) {
	s := New(&countingOrch{}, Config{})
	assert.Equal(t, time.Minute, s.cfg.TickInterval)
	assert.Equal(t, 5*time.Minute, s.cfg.RecoverInterval)
}
