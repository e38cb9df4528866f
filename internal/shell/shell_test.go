package shell

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	c, err := Split("  npm ci   --omit=dev ")
	require.NoError(t, err)
	assert.Equal(t, "npm", c.Name)
	assert.Equal(t, []string{"ci", "--omit=dev"}, c.Args)
	assert.Equal(t, "npm ci --omit=dev", c.String())

	_, err = Split("   ")
	assert.Error(t, err)
}

func TestExec_Run(t *testing.T) {
	dir := t.TempDir()
	out, err := Exec{}.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "pwd; echo $GREETING"},
		Dir:  dir,
		Env:  map[string]string{"GREETING": "hello"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, dir)
	assert.Contains(t, out, "hello")
}

func TestExec_RunFailureIncludesOutput(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo npm ERR! missing lockfile; exit 3"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing lockfile")
}

func TestEnvList(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=2"}, EnvList(map[string]string{"B": "2", "A": "1"}))
}

func TestFake(t *testing.T) {
	f := &Fake{Handler: func(c Command) (string, error) { return c.Name, nil }}
	out, err := f.Run(context.Background(), Command{Name: "pm2", Args: []string{"save"}})
	require.NoError(t, err)
	assert.Equal(t, "pm2", out)
	assert.Equal(t, []string{"pm2 save"}, f.Commands())
}
