package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validConfig = `
app:
  name: execd
trading:
  mode: sandbox
  symbols: [BTCUSDT]
venue:
  rest_url: https://api.example.com
  stream_url: wss://stream.example.com/ws
  market_url: wss://stream.example.com/stream
  sandbox_rest_url: https://testnet.example.com
  sandbox_stream_url: wss://testnet.example.com/ws
  sandbox_market_url: wss://testnet.example.com/stream
  access_key: file-key
  secret_key: file-secret
`

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, int64(5000), cfg.Venue.RecvWindowMS)
	assert.Equal(t, 64, cfg.Executor.BusBufferSize)
	assert.Equal(t, 100*time.Millisecond, cfg.ThrottleInterval())
	assert.Equal(t, time.Minute, cfg.ReconcileInterval())
	assert.Equal(t, ":8090", cfg.Server.Addr)
	assert.Equal(t, "data/executions.db", cfg.Storage.Path)
}

func TestLoadConfig_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("EXEC_VENUE_KEY", "env-key")
	t.Setenv("EXEC_VENUE_SECRET", "env-secret")
	t.Setenv("EXEC_TRADING_MODE", "paper")

	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Venue.AccessKey)
	assert.Equal(t, "env-secret", cfg.Venue.SecretKey)
	assert.Equal(t, "paper", cfg.Trading.Mode)
}

func TestLoadConfig_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{
			name: "unknown mode",
			body: `
trading:
  mode: turbo
  symbols: [BTCUSDT]
`,
		},
		{
			name: "no symbols",
			body: `
trading:
  mode: paper
  symbols: []
`,
		},
		{
			name: "bad stream url",
			body: `
trading:
  mode: sandbox
  symbols: [BTCUSDT]
venue:
  rest_url: https://api.example.com
  sandbox_rest_url: https://testnet.example.com
  stream_url: http://not-a-socket
  market_url: wss://ok.example.com
  sandbox_stream_url: wss://ok.example.com
  sandbox_market_url: wss://ok.example.com
`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_PaperModeNeedsNoVenueURLs(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
trading:
  mode: paper
  symbols: [BTCUSDT]
`))
	require.NoError(t, err)
	assert.Equal(t, "paper", cfg.Trading.Mode)
}
