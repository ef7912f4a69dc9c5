package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/imagejobs/internal/config"
	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/engine"
)

func memoryConfig() config.Config {
	return config.Config{
		StoreBackend:     "memory",
		QueueBackend:     "inline",
		ExecCeiling:      time.Minute,
		BatchWidth:       2,
		RetryMaxAttempts: 1,
		ItemMaxAttempts:  1,
		LeaseTTL:         90 * time.Second,
		MaxRunning:       1,
		StallAfter:       time.Minute,
	}
}

func TestBuildInMemory(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, memoryConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, a.Queue)
	assert.Same(t, a.Inline, a.Continuer())

	reg, err := a.Registry(true)
	require.NoError(t, err)
	for _, typ := range domain.Types {
		assert.True(t, reg.Has(typ), typ)
	}

	job, err := reg.Submit(ctx, engine.CreateRequest{
		Type:    domain.TypeReposeBatch,
		Context: domain.ReposeContext{Pose: "seated"}.Encode(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, job.Status)

	rep, err := a.Watchdog().Tick(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Leader)
	assert.Empty(t, rep.Resumed)

	require.NoError(t, a.Shutdown(reg, time.Second))
}
