package agentconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stackable/agent/pkg/agentconfig"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, lines string) string {
	t.Helper()

	file := filepath.Join(t.TempDir(), "agent.conf")

	require.NoError(t, os.WriteFile(file, []byte(lines), 0644))

	return file
}

func TestLoadFileDefaults(t *testing.T) {
	file := writeConfig(t, "--package-directory=/srv/packages\n--server-port=4000\n")

	t.Setenv("CONFIG_FILE", file)

	c := agentconfig.New()
	c.Hostname = "node1"
	c.ServerBindIP = "10.0.0.5"

	require.NoError(t, c.Load(map[string]bool{}))
	require.Equal(t, "/srv/packages", c.PackageDirectory)
	require.Equal(t, 4000, c.ServerPort)
	require.Equal(t, agentconfig.DefaultConfigDirectory, c.ConfigDirectory)
}

func TestLoadCommandLineWins(t *testing.T) {
	file := writeConfig(t, "--server-port=4000\n")

	t.Setenv("CONFIG_FILE", file)

	c := agentconfig.New()
	c.Hostname = "node1"
	c.ServerBindIP = "10.0.0.5"
	c.ServerPort = 9000

	require.NoError(t, c.Load(map[string]bool{"server-port": true}))
	require.Equal(t, 9000, c.ServerPort)
}

func TestLoadTagsMerge(t *testing.T) {
	file := writeConfig(t, "--tag=env=prod\n--tag=zone=a\n")

	t.Setenv("CONFIG_FILE", file)

	c := agentconfig.New()
	c.Hostname = "node1"
	c.ServerBindIP = "10.0.0.5"

	require.NoError(t, c.ApplyTag("zone=b"))
	require.NoError(t, c.Load(map[string]bool{"tag": true}))
	require.Equal(t, "prod", c.Tags["env"])
	require.Equal(t, "b", c.Tags["zone"])
}

func TestLoadNoConfig(t *testing.T) {
	file := writeConfig(t, "--server-port=4000\n")

	t.Setenv("CONFIG_FILE", file)

	c := agentconfig.New()
	c.Hostname = "node1"
	c.ServerBindIP = "10.0.0.5"
	c.NoConfig = true

	require.NoError(t, c.Load(map[string]bool{}))
	require.Equal(t, agentconfig.DefaultServerPort, c.ServerPort)
}

func TestLoadInvalidLine(t *testing.T) {
	file := writeConfig(t, "server-port=4000\n")

	t.Setenv("CONFIG_FILE", file)

	c := agentconfig.New()

	require.Error(t, c.Load(map[string]bool{}))
}

func TestApplyTagInvalid(t *testing.T) {
	c := agentconfig.New()

	require.Error(t, c.ApplyTag("justakey"))
}
