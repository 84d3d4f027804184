package templater_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stackable/agent/pkg/templater"
	"github.com/stretchr/testify/require"
)

func testVars() templater.Variables {
	return templater.NewVariables(
		"kafka", "default", "uid-1", "10.0.0.5", "10.0.0.5", "node1",
		"/opt/stackable/packages/kafka-2.7.0",
		"/opt/stackable/config/default/kafka/20260101T000000Z",
		"/var/stackable/agent/data",
		"/opt/stackable/logs",
	)
}

func TestRender(t *testing.T) {
	tp := templater.New(testVars())

	testData := []struct {
		in     string
		expect string
	}{
		{
			in:     "broker.id=1",
			expect: "broker.id=1",
		},
		{
			in:     "log.dirs={{ .dataRoot }}/kafka",
			expect: "log.dirs=/var/stackable/agent/data/kafka",
		},
		{
			in:     "advertised.listeners=PLAINTEXT://{{ .podIP }}:9092",
			expect: "advertised.listeners=PLAINTEXT://10.0.0.5:9092",
		},
	}

	for _, td := range testData {
		out, err := tp.Render(td.in)
		require.NoError(t, err)
		require.Equal(t, td.expect, out)
	}
}

func TestRenderIdempotent(t *testing.T) {
	tp := templater.New(testVars())

	out, err := tp.Render("zookeeper.connect={{ .nodeName }}:2181 # {{ .podNamespace }}/{{ .podName }}")
	require.NoError(t, err)

	again, err := tp.Render(out)
	require.NoError(t, err)
	require.Equal(t, out, again)
}

func TestRenderUnknownVariable(t *testing.T) {
	tp := templater.New(testVars())

	_, err := tp.Render("{{ .unknownThing }}")

	require.Error(t, err)
}

func TestRenderMergedEnv(t *testing.T) {
	tp := templater.New(testVars().Merge(map[string]string{"KAFKA_HEAP": "-Xmx1g"}))

	out, err := tp.Render("opts={{ .KAFKA_HEAP }}")

	require.NoError(t, err)
	require.Equal(t, "opts=-Xmx1g", out)
}

func TestRenderFiles(t *testing.T) {
	dir := t.TempDir()

	tp := templater.New(testVars())

	entries := map[string]string{
		"conf/server.properties": "node={{ .nodeName }}\n",
		"plain.txt":              "exact bytes\n",
	}

	require.NoError(t, tp.RenderFiles(entries, dir))

	data, err := os.ReadFile(filepath.Join(dir, "conf/server.properties"))
	require.NoError(t, err)
	require.Equal(t, "node=node1\n", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "plain.txt"))
	require.NoError(t, err)
	require.Equal(t, "exact bytes\n", string(data))
}

func TestRenderFilesAbsolute(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(t.TempDir(), "absolute.conf")

	tp := templater.New(testVars())

	require.NoError(t, tp.RenderFiles(map[string]string{abs: "x\n"}, dir))
	require.FileExists(t, abs)
}

func TestWriteEnvironmentFile(t *testing.T) {
	dir := t.TempDir()

	tp := templater.New(testVars())

	file, err := tp.WriteEnvironmentFile(map[string]string{
		"B_VAR": "two",
		"A_VAR": "{{ .podName }}",
	}, dir)

	require.NoError(t, err)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Equal(t, "A_VAR=kafka\nB_VAR=two\n", string(data))
}

func TestRunDirectory(t *testing.T) {
	root := t.TempDir()

	dir, err := templater.RunDirectory(root, "default", "kafka", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "default", "kafka", "20260101T000000Z"), dir)
	require.DirExists(t, dir)
}
