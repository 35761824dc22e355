package cli

import (
	"bytes"
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		args     []string
		wantMode string
		wantRest []string
	}{
		{[]string{"--mode=order-api", "--port=3001"}, ModeOrderAPI, []string{"--port=3001"}},
		{[]string{"delay-consumer", "--workers=8"}, ModeDelayConsumer, []string{"--workers=8"}},
		{[]string{"--mode=consumer"}, ModeDelayConsumer, nil},
		{[]string{"all", "--ttl=1s"}, ModeStandalone, []string{"--ttl=1s"}},
		{[]string{"--port=1"}, "", []string{"--port=1"}},
	}

	for _, tt := range tests {
		mode, rest, err := ParseMode(tt.args)
		require.NoError(t, err)
		assert.Equal(t, tt.wantMode, mode, tt.args)
		assert.Equal(t, tt.wantRest, rest, tt.args)
	}

	_, _, err := ParseMode([]string{"--mode=scheduler"})
	assert.Error(t, err)
}

func TestParseOrderAPIFlags(t *testing.T) {
	f, err := ParseOrderAPIFlags(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, OrderAPIFlags{Config: DefaultConfigPath, Port: 3000, MaxConcurrent: 50}, f)

	f, err = ParseOrderAPIFlags([]string{"--port=8080", "--max-concurrent=5", "--config=/etc/orders.yaml"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 8080, f.Port)
	assert.Equal(t, 5, f.MaxConcurrent)
	assert.Equal(t, "/etc/orders.yaml", f.Config)

	_, err = ParseOrderAPIFlags([]string{"--port=70000", "--max-concurrent=0"}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port number 70000")
	assert.Contains(t, err.Error(), "--max-concurrent must be > 0")

	_, err = ParseOrderAPIFlags([]string{"extra"}, io.Discard)
	assert.ErrorContains(t, err, "unexpected arguments")
}

func TestParseConsumerFlags(t *testing.T) {
	f, err := ParseConsumerFlags([]string{"--workers=8", "--prefetch=2"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 8, f.Workers)
	assert.Equal(t, 2, f.Prefetch)

	_, err = ParseConsumerFlags([]string{"--workers=-1"}, io.Discard)
	assert.ErrorContains(t, err, "--workers must be > 0")
}

func TestParseStandaloneFlags(t *testing.T) {
	f, err := ParseStandaloneFlags([]string{"--ttl=250ms", "--port=3005"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, f.TTL)
	assert.Equal(t, 3005, f.Port)
	assert.Equal(t, 4, f.Workers)

	_, err = ParseStandaloneFlags([]string{"--ttl=-1s"}, io.Discard)
	assert.ErrorContains(t, err, "--ttl must be >= 0")
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	_, err := ParseConsumerFlags([]string{"--help"}, &out)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, out.String(), "--mode=delay-consumer")
	assert.Contains(t, out.String(), "prefetch")

	out.Reset()
	PrintUsage(&out)
	assert.Contains(t, out.String(), "standalone")
}

func TestPrintUsage_ListsEveryMode(t *testing.T) {
	var out bytes.Buffer
	PrintUsage(&out)

	for _, m := range modes {
		assert.Contains(t, out.String(), m.name)
		assert.Contains(t, out.String(), "./delayed-orders "+m.example)
		for _, alias := range m.aliases {
			name, ok := lookupMode(alias)
			assert.True(t, ok, alias)
			assert.Equal(t, m.name, name, alias)
		}
	}
}
