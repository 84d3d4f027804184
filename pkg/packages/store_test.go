package packages_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stackable/agent/pkg/packages"
	"github.com/stackable/agent/pkg/structs"
	"github.com/stretchr/testify/require"
)

var kafka = structs.Package{Product: "kafka", Version: "2.7.0"}

type entry struct {
	name string
	body string
	dir  bool
}

func tarball(t *testing.T, entries []entry) []byte {
	t.Helper()

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		h := &tar.Header{Name: e.name, Mode: 0755}

		if e.dir {
			h.Typeflag = tar.TypeDir
		} else {
			h.Typeflag = tar.TypeReg
			h.Size = int64(len(e.body))
		}

		require.NoError(t, tw.WriteHeader(h))

		if !e.dir {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	return buf.Bytes()
}

func kafkaTarball(t *testing.T) []byte {
	return tarball(t, []entry{
		{name: "kafka-2.7.0", dir: true},
		{name: "kafka-2.7.0/manifest.yaml", body: "command: bin/kafka\nargs:\n- server.properties\n"},
		{name: "kafka-2.7.0/bin", dir: true},
		{name: "kafka-2.7.0/bin/kafka", body: "#!/bin/sh\n"},
	})
}

type staticFetcher struct {
	data  []byte
	err   error
	calls int
	mu    sync.Mutex
}

func (f *staticFetcher) ResolveAndFetch(ctx context.Context, pkg structs.Package, w io.Writer) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	_, err := w.Write(f.data)

	return err
}

func treeSnapshot(t *testing.T, root string) map[string]string {
	t.Helper()

	snap := map[string]string{}

	err := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, _ := filepath.Rel(root, path)

		if fi.IsDir() {
			snap[rel] = "dir"
		} else {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			snap[rel] = string(data)
		}

		return nil
	})
	require.NoError(t, err)

	return snap
}

func TestEnsure(t *testing.T) {
	s := packages.NewStore(t.TempDir(), &staticFetcher{data: kafkaTarball(t)})

	path, err := s.Ensure(context.Background(), kafka)

	require.NoError(t, err)
	require.Equal(t, s.InstallPath(kafka), path)
	require.True(t, s.Installed(kafka))

	m, err := packages.LoadManifest(path)

	require.NoError(t, err)
	require.Equal(t, filepath.Join(path, "bin/kafka"), m.Executable(path))
	require.Equal(t, []string{"server.properties"}, m.Args)

	// no staging leftovers
	entries, err := os.ReadDir(filepath.Join(s.Root, "_download"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "kafka-2.7.0.tar.gz", entries[0].Name())
}

func TestEnsureIdempotent(t *testing.T) {
	f := &staticFetcher{data: kafkaTarball(t)}
	s := packages.NewStore(t.TempDir(), f)

	_, err := s.Ensure(context.Background(), kafka)
	require.NoError(t, err)

	_, err = s.Ensure(context.Background(), kafka)
	require.NoError(t, err)

	require.Equal(t, 1, f.calls)
}

func TestEnsureCoalesces(t *testing.T) {
	f := &staticFetcher{data: kafkaTarball(t)}
	s := packages.NewStore(t.TempDir(), f)

	var wg sync.WaitGroup
	paths := make([]string, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := s.Ensure(context.Background(), kafka)
			require.NoError(t, err)
			paths[i] = p
		}(i)
	}

	wg.Wait()

	for _, p := range paths {
		require.Equal(t, paths[0], p)
	}
}

func TestEnsureFailedDownload(t *testing.T) {
	s := packages.NewStore(t.TempDir(), &staticFetcher{err: fmt.Errorf("502")})

	_, err := s.Ensure(context.Background(), kafka)

	require.Error(t, err)
	require.NoFileExists(t, filepath.Join(s.Root, "_download", "kafka-2.7.0.tar.gz.partial"))
	require.False(t, s.Installed(kafka))
}

func TestEnsureUnsafeArchive(t *testing.T) {
	data := tarball(t, []entry{
		{name: "kafka-2.7.0", dir: true},
		{name: "../../etc/passwd", body: "evil"},
	})

	s := packages.NewStore(t.TempDir(), &staticFetcher{data: data})

	_, err := s.Ensure(context.Background(), kafka)

	require.Error(t, err)
	require.Contains(t, err.Error(), "../../etc/passwd")
	require.False(t, s.Installed(kafka))

	// staging directory removed
	entries, err2 := os.ReadDir(filepath.Join(s.Root, "_download"))
	require.NoError(t, err2)
	for _, e := range entries {
		require.False(t, e.IsDir())
	}
}

func TestEnsureAbsoluteEntry(t *testing.T) {
	data := tarball(t, []entry{
		{name: "/evil", body: "evil"},
	})

	s := packages.NewStore(t.TempDir(), &staticFetcher{data: data})

	_, err := s.Ensure(context.Background(), kafka)

	require.Error(t, err)
	require.Contains(t, err.Error(), "/evil")
}

func TestEnsureWrongTopLevel(t *testing.T) {
	data := tarball(t, []entry{
		{name: "other-1.0.0", dir: true},
		{name: "other-1.0.0/file", body: "x"},
	})

	s := packages.NewStore(t.TempDir(), &staticFetcher{data: data})

	_, err := s.Ensure(context.Background(), kafka)

	require.Error(t, err)
	require.False(t, s.Installed(kafka))
}

func TestEnsureCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	block := &staticFetcher{err: ctx.Err()}
	s := packages.NewStore(t.TempDir(), block)

	_, err := s.Ensure(ctx, kafka)

	require.Error(t, err)
	require.NoFileExists(t, filepath.Join(s.Root, "_download", "kafka-2.7.0.tar.gz.partial"))
}

func TestInstallRemoveInstallRoundTrip(t *testing.T) {
	s := packages.NewStore(t.TempDir(), &staticFetcher{data: kafkaTarball(t)})

	path, err := s.Ensure(context.Background(), kafka)
	require.NoError(t, err)

	before := treeSnapshot(t, path)

	require.NoError(t, s.Remove(kafka))
	require.False(t, s.Installed(kafka))

	// archive cache survives removal
	require.FileExists(t, filepath.Join(s.Root, "_download", "kafka-2.7.0.tar.gz"))

	path2, err := s.Ensure(context.Background(), kafka)
	require.NoError(t, err)
	require.Equal(t, path, path2)

	require.Equal(t, before, treeSnapshot(t, path2))
}
