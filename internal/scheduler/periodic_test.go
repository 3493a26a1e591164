package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTrigger struct {
	calls atomic.Int32
}

func (c *countingTrigger) TriggerSync(reason string) *PassHandle {
	c.calls.Add(1)
	h := newPassHandle(reason)
	close(h.done)
	return h
}

func TestPeriodicTriggers(t *testing.T) {
	target := &countingTrigger{}
	p := NewPeriodic(target, nil)

	require.NoError(t, p.Start("@every 1s"))
	defer p.Stop()

	assert.Eventually(t, func() bool { return target.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestPeriodicRejectsBadSchedule(t *testing.T) {
	p := NewPeriodic(&countingTrigger{}, nil)
	assert.Error(t, p.Start("every now and then"))
}

func TestPeriodicEmptyScheduleDisabled(t *testing.T) {
	p := NewPeriodic(&countingTrigger{}, nil)
	require.NoError(t, p.Start(""))
	p.Stop()
}

func TestPeriodicDoubleStart(t *testing.T) {
	p := NewPeriodic(&countingTrigger{}, nil)
	require.NoError(t, p.Start("@every 1h"))
	defer p.Stop()
	assert.Error(t, p.Start("@every 1h"))
}
