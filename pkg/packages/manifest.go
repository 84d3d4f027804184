package packages

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Manifest sits at the top level of every installed package and names the
// executable plus its default arguments.
type Manifest struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

func LoadManifest(installPath string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(installPath, "manifest.yaml"))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var m Manifest

	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.WithStack(err)
	}

	if m.Command == "" {
		return nil, errors.Errorf("manifest in %s has no command", installPath)
	}

	return &m, nil
}

// Executable resolves the manifest command to an absolute path inside the
// installed tree.
func (m *Manifest) Executable(installPath string) string {
	if filepath.IsAbs(m.Command) {
		return m.Command
	}

	return filepath.Join(installPath, m.Command)
}
