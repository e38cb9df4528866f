package proxy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployctl/internal/shell"
)

func newNginx(t *testing.T, runner shell.Runner) *Nginx {
	t.Helper()
	dir := t.TempDir()
	n := New(runner)
	n.AvailableDir = filepath.Join(dir, "sites-available")
	n.EnabledDir = filepath.Join(dir, "sites-enabled")
	return n
}

func TestRender(t *testing.T) {
	conf, err := Render(Site{Name: "api", Port: 4000, ServerName: "api.example.com", HealthPath: "/health"})
	require.NoError(t, err)

	s := string(conf)
	assert.Contains(t, s, "upstream deployctl_api {")
	assert.Contains(t, s, "server 127.0.0.1:4000;")
	assert.Contains(t, s, "listen 80;")
	assert.Contains(t, s, "server_name api.example.com;")
	assert.Contains(t, s, "location = /health {")
	assert.Contains(t, s, "proxy_pass http://deployctl_api;")
}

func TestRender_Defaults(t *testing.T) {
	conf, err := Render(Site{Name: "api", Port: 4000})
	require.NoError(t, err)
	assert.Contains(t, string(conf), "server_name _;")
	assert.NotContains(t, string(conf), "location =")

	_, err = Render(Site{Name: "api"})
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	runner := &shell.Fake{}
	n := newNginx(t, runner)
	site := Site{Name: "api", Port: 4000}

	require.NoError(t, n.Apply(context.Background(), site))

	path := filepath.Join(n.AvailableDir, "deployctl-api.conf")
	assert.FileExists(t, path)
	dest, err := os.Readlink(filepath.Join(n.EnabledDir, "deployctl-api.conf"))
	require.NoError(t, err)
	assert.Equal(t, path, dest)
	assert.Equal(t, []string{"nginx -t", "systemctl reload nginx"}, runner.Commands())

	// unchanged site is a no-op
	require.NoError(t, n.Apply(context.Background(), site))
	assert.Len(t, runner.Calls, 2)
}

func TestApply_RevertsRejectedConfig(t *testing.T) {
	runner := &shell.Fake{}
	n := newNginx(t, runner)
	require.NoError(t, n.Apply(context.Background(), Site{Name: "api", Port: 4000}))
	path := filepath.Join(n.AvailableDir, "deployctl-api.conf")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	runner.Handler = func(c shell.Command) (string, error) {
		if c.Name == "nginx" {
			return "nginx: [emerg] unexpected end of file", errors.New("exit status 1")
		}
		return "", nil
	}
	err = n.Apply(context.Background(), Site{Name: "api", Port: 5000})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "emerg")

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NotContains(t, runner.Commands()[len(runner.Calls)-1], "reload")
}

func TestApply_RemovesNewRejectedSite(t *testing.T) {
	runner := &shell.Fake{Handler: func(shell.Command) (string, error) {
		return "", errors.New("exit status 1")
	}}
	n := newNginx(t, runner)

	require.Error(t, n.Apply(context.Background(), Site{Name: "api", Port: 4000}))
	assert.NoFileExists(t, filepath.Join(n.AvailableDir, "deployctl-api.conf"))
	_, err := os.Lstat(filepath.Join(n.EnabledDir, "deployctl-api.conf"))
	assert.True(t, os.IsNotExist(err))
}
