// Package agentconfig resolves the agent configuration from the union of
// command-line flags and an optional config file. For options present in both
// sources the command line wins, except repeatable options whose values are
// merged.
package agentconfig

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/stackable/agent/pkg/helpers"
)

const (
	DefaultBootstrapFile    = "/etc/kubernetes/bootstrap-kubelet.conf"
	DefaultConfigDirectory  = "/opt/stackable/config"
	DefaultDataDirectory    = "/var/stackable/agent/data"
	DefaultLogDirectory     = "/opt/stackable/logs"
	DefaultPackageDirectory = "/opt/stackable/packages"
	DefaultServerPort       = 3000
)

type Config struct {
	BootstrapFile    string
	ConfigDirectory  string
	DataDirectory    string
	Hostname         string
	LogDirectory     string
	NoConfig         bool
	PackageDirectory string
	PodCIDR          string
	ServerBindIP     string
	ServerCertFile   string
	ServerKeyFile    string
	ServerPort       int
	Session          bool
	Tags             map[string]string
}

func New() *Config {
	return &Config{
		BootstrapFile:    DefaultBootstrapFile,
		ConfigDirectory:  DefaultConfigDirectory,
		DataDirectory:    DefaultDataDirectory,
		LogDirectory:     DefaultLogDirectory,
		PackageDirectory: DefaultPackageDirectory,
		ServerPort:       DefaultServerPort,
		Tags:             map[string]string{},
	}
}

// Load merges the config file selected by CONFIG_FILE or AGENT_CONF into every
// option the command line did not set. Flag-set options are tracked by the
// caller through set.
func (c *Config) Load(set map[string]bool) error {
	if c.NoConfig {
		return c.finish()
	}

	file := helpers.CoalesceString(os.Getenv("CONFIG_FILE"), os.Getenv("AGENT_CONF"))
	if file == "" {
		return c.finish()
	}

	data, err := os.ReadFile(file)
	if os.IsNotExist(err) {
		return c.finish()
	}
	if err != nil {
		return errors.WithStack(err)
	}

	for ln, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !strings.HasPrefix(line, "--") {
			return errors.Errorf("%s:%d: expected --key=value, got %q", file, ln+1, line)
		}

		parts := strings.SplitN(strings.TrimPrefix(line, "--"), "=", 2)
		if len(parts) != 2 {
			return errors.Errorf("%s:%d: expected --key=value, got %q", file, ln+1, line)
		}

		if err := c.apply(parts[0], parts[1], set); err != nil {
			return errors.Wrapf(err, "%s:%d", file, ln+1)
		}
	}

	return c.finish()
}

func (c *Config) apply(key, value string, set map[string]bool) error {
	// tags merge across sources, everything else defers to the command line
	if key == "tag" {
		parts := strings.SplitN(value, "=", 2)
		if len(parts) == 2 {
			if _, ok := c.Tags[parts[0]]; ok {
				return nil
			}
		}

		return c.ApplyTag(value)
	}

	if set[key] {
		return nil
	}

	switch key {
	case "bootstrap-file":
		c.BootstrapFile = value
	case "config-directory":
		c.ConfigDirectory = value
	case "data-directory":
		c.DataDirectory = value
	case "hostname":
		c.Hostname = value
	case "log-directory":
		c.LogDirectory = value
	case "package-directory":
		c.PackageDirectory = value
	case "pod-cidr":
		c.PodCIDR = value
	case "server-bind-ip":
		c.ServerBindIP = value
	case "server-cert-file":
		c.ServerCertFile = value
	case "server-key-file":
		c.ServerKeyFile = value
	case "server-port":
		if _, err := fmt.Sscanf(value, "%d", &c.ServerPort); err != nil {
			return errors.Errorf("invalid server-port: %s", value)
		}
	case "session":
		c.Session = value == "true" || value == ""
	default:
		return errors.Errorf("unknown option: %s", key)
	}

	return nil
}

func (c *Config) ApplyTag(value string) error {
	parts := strings.SplitN(value, "=", 2)

	if len(parts) != 2 || parts[0] == "" {
		return errors.Errorf("invalid tag, expected key=value: %s", value)
	}

	c.Tags[parts[0]] = parts[1]

	return nil
}

func (c *Config) finish() error {
	if c.ServerBindIP == "" {
		ip, err := defaultBindIP()
		if err != nil {
			return err
		}

		c.ServerBindIP = ip
	}

	if c.Hostname == "" {
		hn, err := os.Hostname()
		if err != nil {
			return errors.WithStack(err)
		}

		c.Hostname = hn
	}

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return errors.Errorf("invalid server-port: %d", c.ServerPort)
	}

	return nil
}

// CertificateExpiry reports the NotAfter of the configured server
// certificate, so startup can log impending expiry. Renewal is out of scope.
func (c *Config) CertificateExpiry() (time.Time, error) {
	if c.ServerCertFile == "" {
		return time.Time{}, errors.New("no server certificate configured")
	}

	data, err := os.ReadFile(c.ServerCertFile)
	if err != nil {
		return time.Time{}, errors.WithStack(err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return time.Time{}, errors.Errorf("no PEM data in %s", c.ServerCertFile)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, errors.WithStack(err)
	}

	return cert.NotAfter, nil
}

func defaultBindIP() (string, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return "", errors.WithStack(err)
	}

	for _, i := range ifs {
		if i.Flags&net.FlagUp == 0 || i.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := i.Addrs()
		if err != nil {
			continue
		}

		for _, a := range addrs {
			if n, ok := a.(*net.IPNet); ok && n.IP.To4() != nil {
				return n.IP.String(), nil
			}
		}
	}

	return "", errors.New("no non-loopback interface found")
}
