// Package repository resolves (product, version) pairs to downloadable
// archives across an ordered list of package repositories.
package repository

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/convox/logger"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/stackable/agent/pkg/structs"
	yaml "gopkg.in/yaml.v2"
)

// Only application/gzip is valid per IANA but Nexus and friends serve the
// other three in the wild.
var allowedContentTypes = map[string]bool{
	"application/gzip":   true,
	"application/tgz":    true,
	"application/x-gzip": true,
	"application/x-tgz":  true,
}

// DefaultInactivityTimeout aborts a download when no bytes arrive for this
// long. Downloads have no total timeout.
const DefaultInactivityTimeout = 30 * time.Second

var (
	ErrNoRepositoryReachable = errors.New("no repository reachable")
	ErrPackageNotFound       = errors.New("no repository provides the package")
)

type Repository struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type Index struct {
	Repositories []Repository

	Client     *http.Client
	Inactivity time.Duration

	logger *logger.Logger
}

// metadata.json as served at the repository root.
type repoMetadata struct {
	Version  string                            `json:"version"`
	Packages map[string]map[string]repoPackage `json:"packages"`
}

type repoPackage struct {
	Product string            `json:"product"`
	Version string            `json:"version"`
	Link    string            `json:"link"`
	Hashes  map[string]string `json:"hashes"`
}

func New(repos []Repository) *Index {
	return &Index{
		Repositories: repos,
		Client:       &http.Client{},
		Inactivity:   DefaultInactivityTimeout,
		logger:       logger.New("ns=repository"),
	}
}

// LoadFile reads an ordered repository list from a YAML file.
func LoadFile(file string) (*Index, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var repos []Repository

	if err := yaml.Unmarshal(data, &repos); err != nil {
		return nil, errors.WithStack(err)
	}

	for _, r := range repos {
		if r.Name == "" || r.URL == "" {
			return nil, errors.Errorf("repository entry needs name and url: %+v", r)
		}
	}

	return New(repos), nil
}

// ResolveAndFetch tries each repository in declared order and streams the
// first usable archive into w. Per-repository failures are logged and
// skipped. The terminal error distinguishes "nothing reachable" from
// "reachable but nobody has the artifact".
func (i *Index) ResolveAndFetch(ctx context.Context, pkg structs.Package, w io.Writer) error {
	log := i.logger.At("ResolveAndFetch").Namespace("package=%s", pkg)

	reachable := false

	for _, repo := range i.Repositories {
		link, hashes, err := i.resolve(ctx, repo, pkg)
		if err != nil {
			log.Logf("repository=%s skip=%q", repo.Name, err)
			continue
		}

		reachable = true

		if link == "" {
			continue
		}

		n, err := i.fetch(ctx, link, hashes, w)
		if err != nil {
			log.Logf("repository=%s skip=%q", repo.Name, err)
			continue
		}

		log.Successf("repository=%s size=%s", repo.Name, humanize.Bytes(uint64(n)))

		return nil
	}

	if !reachable {
		return log.Error(ErrNoRepositoryReachable)
	}

	return log.Error(ErrPackageNotFound)
}

// resolve fetches the repository metadata and looks up the artifact link.
// An empty link with nil error means the repository is healthy but does not
// carry the package.
func (i *Index) resolve(ctx context.Context, repo Repository, pkg structs.Package) (string, map[string]string, error) {
	url := fmt.Sprintf("%s/metadata.json", strings.TrimSuffix(repo.URL, "/"))

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", nil, errors.WithStack(err)
	}

	res, err := i.Client.Do(req)
	if err != nil {
		return "", nil, errors.WithStack(err)
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return "", nil, errors.Errorf("metadata status %d", res.StatusCode)
	}

	var md repoMetadata

	if err := json.NewDecoder(res.Body).Decode(&md); err != nil {
		return "", nil, errors.WithStack(err)
	}

	versions, ok := md.Packages[pkg.Product]
	if !ok {
		return "", nil, nil
	}

	p, ok := versions[pkg.Version]
	if !ok {
		return "", nil, nil
	}

	return p.Link, p.Hashes, nil
}

func (i *Index) fetch(ctx context.Context, link string, hashes map[string]string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", link, nil)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	req.Header.Set("Accept", "application/gzip")

	res, err := i.Client.Do(req)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return 0, errors.Errorf("artifact status %d", res.StatusCode)
	}

	ct := strings.SplitN(res.Header.Get("Content-Type"), ";", 2)[0]

	if !allowedContentTypes[strings.TrimSpace(ct)] {
		return 0, errors.Errorf("disallowed content type: %s", ct)
	}

	sum := sha512.New()

	body := &inactivityReader{r: res.Body, timeout: i.Inactivity}

	n, err := io.Copy(io.MultiWriter(w, sum), body)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	if expect, ok := hashes["sha512"]; ok {
		if got := hex.EncodeToString(sum.Sum(nil)); !strings.EqualFold(got, expect) {
			return 0, errors.Errorf("sha512 mismatch: expected %s got %s", expect, got)
		}
	}

	return n, nil
}

// inactivityReader fails a read when no bytes have arrived for timeout.
type inactivityReader struct {
	r       io.Reader
	timeout time.Duration
}

func (r *inactivityReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}

	ch := make(chan result, 1)

	go func() {
		n, err := r.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(r.timeout):
		return 0, fmt.Errorf("download stalled for %s", r.timeout)
	}
}
