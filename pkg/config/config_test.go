package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		path    string
		address string
		wantErr bool
	}{
		{name: "file path", spec: "n1:/var/log/node.log", path: "/var/log/node.log"},
		{name: "network source", spec: "n2:10.0.0.5:9000", address: "10.0.0.5:9000"},
		{name: "hostname source", spec: "n3:forwarder.local:9000", address: "forwarder.local:9000"},
		{name: "relative path", spec: "n4:logs/node.log", path: "logs/node.log"},
		{name: "non-numeric port is a path", spec: "n5:localhost:notaport", path: "localhost:notaport"},
		{name: "missing source", spec: "n6:", wantErr: true},
		{name: "missing name", spec: ":/var/log/node.log", wantErr: true},
		{name: "bare name", spec: "n7", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := ParseNodeSpec(tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.path, node.LogPath)
			assert.Equal(t, tt.address, node.Address)
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]string{"n1:/var/log/node.log"}, "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, 30000, cfg.QueueMaxSize)
	assert.Equal(t, 14002, cfg.NodeAPIPort)
	assert.False(t, cfg.AllowRemoteAPI)
	require.Len(t, cfg.Nodes, 1)
	assert.Equal(t, "n1", cfg.Nodes[0].Name)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("DB_QUEUE_MAX_SIZE", "500")

	cfg, err := Load([]string{"n1:/var/log/node.log"}, "")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.ServerPort)
	assert.Equal(t, 500, cfg.QueueMaxSize)
}

func TestLoadRequiresNodes(t *testing.T) {
	_, err := Load(nil, "")
	require.Error(t, err)
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.yaml")
	manifest := `nodes:
  - name: alpha
    path: /var/log/alpha.log
  - name: beta
    address: 10.0.0.7:9000
    api_endpoint: http://10.0.0.7:14002
`
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	require.Len(t, cfg.Nodes, 2)

	assert.Equal(t, "alpha", cfg.Nodes[0].Name)
	assert.False(t, cfg.Nodes[0].IsNetwork())
	assert.Equal(t, "beta", cfg.Nodes[1].Name)
	assert.True(t, cfg.Nodes[1].IsNetwork())
	assert.Equal(t, "http://10.0.0.7:14002", cfg.Nodes[1].APIEndpoint)
}

func TestLoadCommandLineWinsOverManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  - name: alpha\n    path: /old.log\n"), 0o644))

	cfg, err := Load([]string{"alpha:/new.log"}, path)
	require.NoError(t, err)
	require.Len(t, cfg.Nodes, 1)
	assert.Equal(t, "/new.log", cfg.Nodes[0].LogPath)
}

func TestLoadRejectsBadManifest(t *testing.T) {
	dir := t.TempDir()

	t.Run("duplicate names", func(t *testing.T) {
		path := filepath.Join(dir, "dup.yaml")
		require.NoError(t, os.WriteFile(path,
			[]byte("nodes:\n  - name: a\n    path: /a.log\n  - name: a\n    path: /b.log\n"), 0o644))
		_, err := Load(nil, path)
		require.Error(t, err)
	})

	t.Run("no source", func(t *testing.T) {
		path := filepath.Join(dir, "nosource.yaml")
		require.NoError(t, os.WriteFile(path, []byte("nodes:\n  - name: a\n"), 0o644))
		_, err := Load(nil, path)
		require.Error(t, err)
	})
}
