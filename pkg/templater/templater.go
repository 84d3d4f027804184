// Package templater renders config-map contents and environment values
// against the set of variables known for a pod run.
package templater

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"text/template"
	"time"

	"github.com/pkg/errors"
)

// Variables recognized in templates, keyed by name. Container env vars are
// merged in after the well-known set so they can be referenced too.
type Variables map[string]string

func NewVariables(podName, podNamespace, podUID, podIP, hostIP, nodeName, packagePath, runDir, dataDir, logDir string) Variables {
	return Variables{
		"podName":      podName,
		"podNamespace": podNamespace,
		"podUID":       podUID,
		"podIP":        podIP,
		"hostIP":       hostIP,
		"nodeName":     nodeName,
		"packageRoot":  packagePath,
		"configRoot":   runDir,
		"dataRoot":     dataDir,
		"logRoot":      logDir,
	}
}

func (v Variables) Merge(env map[string]string) Variables {
	out := Variables{}

	for k, val := range v {
		out[k] = val
	}

	for k, val := range env {
		out[k] = val
	}

	return out
}

type Templater struct {
	vars Variables
}

func New(vars Variables) *Templater {
	return &Templater{vars: vars}
}

// Render expands {{ .name }} references against the variable set. Rendering
// already-rendered output again yields byte-identical output.
func (t *Templater) Render(s string) (string, error) {
	ts, err := template.New("").Option("missingkey=error").Parse(s)
	if err != nil {
		return "", errors.WithStack(err)
	}

	var buf bytes.Buffer

	if err := ts.Execute(&buf, t.vars); err != nil {
		return "", errors.WithStack(err)
	}

	return buf.String(), nil
}

// RenderAll renders every value of the given map, keeping keys.
func (t *Templater) RenderAll(in map[string]string) (map[string]string, error) {
	out := map[string]string{}

	for k, v := range in {
		r, err := t.Render(v)
		if err != nil {
			return nil, errors.Wrapf(err, "key %s", k)
		}

		out[k] = r
	}

	return out, nil
}

// RenderFiles materializes config-map entries under dir. Relative entry
// paths are preserved below dir; absolute paths are honored as given. Files
// hold the exact rendered bytes.
func (t *Templater) RenderFiles(entries map[string]string, dir string) error {
	for name, content := range entries {
		rendered, err := t.Render(content)
		if err != nil {
			return errors.Wrapf(err, "entry %s", name)
		}

		target := name

		if !filepath.IsAbs(target) {
			target = filepath.Join(dir, name)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return errors.WithStack(err)
		}

		if err := os.WriteFile(target, []byte(rendered), 0644); err != nil {
			return errors.WithStack(err)
		}
	}

	return nil
}

// WriteEnvironmentFile writes a systemd EnvironmentFile holding the rendered
// container environment and returns its path.
func (t *Templater) WriteEnvironmentFile(env map[string]string, dir string) (string, error) {
	rendered, err := t.RenderAll(env)
	if err != nil {
		return "", err
	}

	keys := make([]string, 0, len(rendered))

	for k := range rendered {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var buf bytes.Buffer

	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteString("=")
		buf.WriteString(rendered[k])
		buf.WriteString("\n")
	}

	file := filepath.Join(dir, "environment")

	if err := os.WriteFile(file, buf.Bytes(), 0644); err != nil {
		return "", errors.WithStack(err)
	}

	return file, nil
}

// RunDirectory returns <configDir>/<namespace>/<pod>/<timestamp>/ and
// creates it. Run directories are history; they are never modified after
// creation.
func RunDirectory(configDir, namespace, pod string, now time.Time) (string, error) {
	dir := filepath.Join(configDir, namespace, pod, now.UTC().Format("20060102T150405Z"))

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.WithStack(err)
	}

	return dir, nil
}
