package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arturoeanton/go-asset-reconciler/internal/port"
	"github.com/arturoeanton/go-asset-reconciler/internal/service"
)

type countingRunner struct {
	calls int
	opts  service.BackfillOptions
	err   error
}

func (r *countingRunner) Run(_ context.Context, opts service.BackfillOptions) (*service.BackfillSummary, error) {
	r.calls++
	r.opts = opts
	if r.err != nil {
		return nil, r.err
	}
	return &service.BackfillSummary{Processed: 3}, nil
}

func TestNewBackfillRejectsBadSpec(t *testing.T) {
	_, err := NewBackfill("every tuesday", &countingRunner{}, service.BackfillOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "every tuesday")
}

func TestNewBackfillAcceptsDescriptors(t *testing.T) {
	for _, spec := range []string{"@hourly", "@every 30m", "0 3 * * *"} {
		_, err := NewBackfill(spec, &countingRunner{}, service.BackfillOptions{})
		assert.NoError(t, err, spec)
	}
}

func TestTickRunsWithConfiguredOptions(t *testing.T) {
	r := &countingRunner{}
	b, err := NewBackfill("@daily", r, service.BackfillOptions{BatchSize: 64})
	require.NoError(t, err)

	b.tick()
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, 64, r.opts.BatchSize)

	r.err = port.ErrBackfillBusy
	b.tick()
	assert.Equal(t, 2, r.calls)
}

func TestStartStop(t *testing.T) {
	b, err := NewBackfill("@daily", &countingRunner{}, service.BackfillOptions{})
	require.NoError(t, err)
	b.Start()
	<-b.Stop().Done()
}
