package repository_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stackable/agent/pkg/repository"
	"github.com/stackable/agent/pkg/structs"
	"github.com/stretchr/testify/require"
)

func metadataFor(base string) string {
	return fmt.Sprintf(`{"version":"1","packages":{"kafka":{"2.7.0":{"product":"kafka","version":"2.7.0","link":"%s/kafka-2.7.0.tar.gz","hashes":{}}}}}`, base)
}

func repoServer(t *testing.T, archive []byte, contentType string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	s := httptest.NewServer(mux)
	t.Cleanup(s.Close)

	mux.HandleFunc("/metadata.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, metadataFor(s.URL))
	})

	mux.HandleFunc("/kafka-2.7.0.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Write(archive)
	})

	return s
}

func TestResolveAndFetch(t *testing.T) {
	s := repoServer(t, []byte("archive-bytes"), "application/gzip")

	i := repository.New([]repository.Repository{{Name: "a", URL: s.URL}})

	var buf bytes.Buffer

	err := i.ResolveAndFetch(context.Background(), structs.Package{Product: "kafka", Version: "2.7.0"}, &buf)

	require.NoError(t, err)
	require.Equal(t, "archive-bytes", buf.String())
}

func TestResolveAndFetchFallback(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
	}))
	defer bad.Close()

	good := repoServer(t, []byte("archive-bytes"), "application/x-gzip")

	i := repository.New([]repository.Repository{
		{Name: "a", URL: bad.URL},
		{Name: "b", URL: good.URL},
	})

	var buf bytes.Buffer

	err := i.ResolveAndFetch(context.Background(), structs.Package{Product: "kafka", Version: "2.7.0"}, &buf)

	require.NoError(t, err)
	require.Equal(t, "archive-bytes", buf.String())
}

func TestResolveAndFetchBadContentType(t *testing.T) {
	s := repoServer(t, []byte("<html>"), "text/html")

	i := repository.New([]repository.Repository{{Name: "a", URL: s.URL}})

	var buf bytes.Buffer

	err := i.ResolveAndFetch(context.Background(), structs.Package{Product: "kafka", Version: "2.7.0"}, &buf)

	require.Equal(t, repository.ErrPackageNotFound, errors.Cause(err))
}

func TestResolveAndFetchNotFound(t *testing.T) {
	s := repoServer(t, []byte("archive-bytes"), "application/gzip")

	i := repository.New([]repository.Repository{{Name: "a", URL: s.URL}})

	var buf bytes.Buffer

	err := i.ResolveAndFetch(context.Background(), structs.Package{Product: "zookeeper", Version: "3.5.8"}, &buf)

	require.Equal(t, repository.ErrPackageNotFound, errors.Cause(err))
}

func TestResolveAndFetchUnreachable(t *testing.T) {
	i := repository.New([]repository.Repository{{Name: "a", URL: "http://127.0.0.1:1"}})

	var buf bytes.Buffer

	err := i.ResolveAndFetch(context.Background(), structs.Package{Product: "kafka", Version: "2.7.0"}, &buf)

	require.Equal(t, repository.ErrNoRepositoryReachable, errors.Cause(err))
}

func TestLoadFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "repositories.yml")

	require.NoError(t, os.WriteFile(file, []byte("- name: a\n  url: https://repo.example.com/\n"), 0644))

	i, err := repository.LoadFile(file)

	require.NoError(t, err)
	require.Len(t, i.Repositories, 1)
	require.Equal(t, "a", i.Repositories[0].Name)
}
