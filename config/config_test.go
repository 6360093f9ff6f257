package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_path: /tmp/test.db
session_dir: /tmp/session
push_gateway_url: http://localhost:8099/front-office/api/users/fcm-token
transactions_collection: txs
persist_max_retries: 5
persist_initial_interval: 2s
`), 0o644))

	conf, err := getYaml(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/test.db", conf.StorePath)
	require.Equal(t, "/tmp/session", conf.SessionDir)
	require.Equal(t, "http://localhost:8099/front-office/api/users/fcm-token", conf.PushGatewayURL)
	require.Equal(t, "txs", conf.Collections.Transactions)
	require.Equal(t, 5, conf.PersistMaxRetries)
	require.Equal(t, 2*time.Second, conf.PersistInitialInterval)

	// omitted params fall back to defaults
	require.Equal(t, "quotes", conf.Collections.Quotes)
	require.Equal(t, "favorites", conf.Collections.Favorites)
	require.Equal(t, 64, conf.BroadcastBuffer)
}

func TestGetYaml_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	// unclosed flow sequence
	require.NoError(t, os.WriteFile(path, []byte("store_path: [oops"), 0o644))

	_, err := getYaml(path)
	require.Error(t, err)
}

func TestGetYaml_MissingFile(t *testing.T) {
	_, err := getYaml(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
