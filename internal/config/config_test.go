package config

import (
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, k := range []string{
		"VENTURECHAT_API_URL", "REACT_APP_API_URL", "VENTURECHAT_WS_URL", "REACT_APP_WS_URL",
		"VENTURECHAT_REQUEST_TIMEOUT", "VENTURECHAT_RECONNECT_MAX",
		"VENTURECHAT_LISTEN", "VENTURECHAT_PUSH_LISTEN",
	} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIURL, cfg.APIURL)
	assert.Equal(t, DefaultWSURL, cfg.WSURL)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "VentureBot", cfg.Server.AgentName)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultPushListen, cfg.Server.PushListen)
}

func TestDefaults_ClientReachesDevServer(t *testing.T) {
	api, err := url.Parse(DefaultAPIURL)
	require.NoError(t, err)
	push, err := url.Parse(DefaultWSURL)
	require.NoError(t, err)

	_, apiPort, err := net.SplitHostPort(DefaultListen)
	require.NoError(t, err)
	_, pushPort, err := net.SplitHostPort(DefaultPushListen)
	require.NoError(t, err)

	assert.Equal(t, api.Port(), apiPort, "client API default targets the dev server API listener")
	assert.Equal(t, push.Port(), pushPort, "client push default targets the dev server push listener")
}

func TestLoad_EnvOverridesAndAliases(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("VENTURECHAT_API_URL", "")
	t.Setenv("REACT_APP_API_URL", "https://api.example.com")
	t.Setenv("VENTURECHAT_WS_URL", "wss://push.example.com")
	t.Setenv("VENTURECHAT_REQUEST_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.APIURL)
	assert.Equal(t, "wss://push.example.com", cfg.WSURL)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("VENTURECHAT_REQUEST_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{
		APIURL:           DefaultAPIURL,
		WSURL:            DefaultWSURL,
		RequestTimeout:   time.Second,
		ReconnectInitial: time.Millisecond,
		ReconnectMax:     time.Second,
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty api", func(c *Config) { c.APIURL = "" }},
		{"ws scheme for api", func(c *Config) { c.APIURL = "ws://localhost:8000" }},
		{"http scheme for ws", func(c *Config) { c.WSURL = "http://localhost:8080" }},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"max below initial", func(c *Config) { c.ReconnectMax = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
