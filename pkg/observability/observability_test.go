package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	assert.False(t, p.Enabled())

	ctx, span := p.StartSpan(context.Background(), "plan")
	assert.NotNil(t, ctx)
	span.End()

	p.TaskStarted(ctx, "read_file")
	p.TaskFinished(ctx, "read_file", "COMPLETED", 10*time.Millisecond)
	p.CacheLookup(ctx, true)
	p.StealRecorded(ctx)

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	assert.False(t, p.Enabled())

	ctx, span := p.StartSpan(context.Background(), "exec")
	assert.NotNil(t, ctx)
	span.End()

	p.TaskStarted(ctx, "calculate")
	p.TaskFinished(ctx, "calculate", "FAILED", time.Second)
	p.CacheLookup(ctx, false)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfigDisabled(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "arbiter", cfg.ServiceName)
}
