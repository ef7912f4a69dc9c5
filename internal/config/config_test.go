package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("QUEUE_BACKEND", "inline")

	c, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.APIAddr)
	assert.Equal(t, 60*time.Second, c.ExecCeiling)
	assert.Equal(t, 4, c.BatchWidth)
	assert.Equal(t, 250*time.Millisecond, c.BatchDelay)
	assert.Equal(t, 3, c.RetryMaxAttempts)
	assert.Equal(t, 30*time.Second, c.ItemRetryDelay)
	assert.Equal(t, 90*time.Second, c.LeaseTTL)
	assert.Equal(t, 2*time.Minute, c.StallAfter)
	assert.Empty(t, c.NATSURL)
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://imagejobs@localhost/imagejobs")
	t.Setenv("QUEUE_BACKEND", "amqp")
	t.Setenv("BATCH_WIDTH", "16")
	t.Setenv("RETRY_JITTER", "0.2")
	t.Setenv("EXEC_CEILING", "45s")

	c, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, 16, c.BatchWidth)
	assert.InDelta(t, 0.2, c.RetryJitter, 1e-9)
	assert.Equal(t, 45*time.Second, c.ExecCeiling)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		msg  string
	}{
		{"postgres without dsn", map[string]string{"STORE_BACKEND": "postgres"}, "POSTGRES_DSN"},
		{"unknown store", map[string]string{"STORE_BACKEND": "sqlite"}, "STORE_BACKEND"},
		{"unknown queue", map[string]string{"STORE_BACKEND": "memory", "QUEUE_BACKEND": "kafka"}, "QUEUE_BACKEND"},
		{"inline queue on postgres", map[string]string{"POSTGRES_DSN": "postgres://x", "QUEUE_BACKEND": "inline"}, "inline"},
		{"lease shorter than ceiling", map[string]string{"STORE_BACKEND": "memory", "LEASE_TTL": "30s"}, "LEASE_TTL"},
		{"bad duration", map[string]string{"STORE_BACKEND": "memory", "BATCH_DELAY": "soon"}, "soon"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("STORE_BACKEND", "postgres")
			t.Setenv("QUEUE_BACKEND", "redis")
			t.Setenv("POSTGRES_DSN", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Parse()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}
