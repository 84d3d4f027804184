package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/convox/logger"
	"github.com/spf13/cobra"
	"github.com/stackable/agent/pkg/agentconfig"
	"github.com/stackable/agent/pkg/callback"
	"github.com/stackable/agent/pkg/helpers"
	"github.com/stackable/agent/pkg/packages"
	"github.com/stackable/agent/pkg/repository"
	"github.com/stackable/agent/pkg/systemd"
	"github.com/stackable/agent/provider"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

var version = "dev"

// the public package repository, used when no repository list is configured
const defaultRepository = "https://repo.stackable.tech/repository/packages"

var flagNames = []string{
	"no-config", "pod-cidr", "bootstrap-file", "server-bind-ip",
	"server-cert-file", "server-key-file", "server-port",
	"package-directory", "config-directory", "log-directory",
	"data-directory", "hostname", "session",
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := agentconfig.New()

	var tags []string

	cmd := &cobra.Command{
		Use:           "stackable-agent",
		Short:         "node agent that runs packaged services as systemd units",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, tag := range tags {
				if err := cfg.ApplyTag(tag); err != nil {
					return err
				}
			}

			set := map[string]bool{"tag": len(tags) > 0}

			for _, name := range flagNames {
				set[name] = cmd.Flags().Changed(name)
			}

			if err := cfg.Load(set); err != nil {
				return err
			}

			return serve(cfg)
		},
	}

	fs := cmd.Flags()

	fs.BoolVar(&cfg.NoConfig, "no-config", false, "ignore the environment-referenced config file")
	fs.StringVar(&cfg.PodCIDR, "pod-cidr", "", "advisory pod CIDR reported at node registration")
	fs.StringVar(&cfg.BootstrapFile, "bootstrap-file", cfg.BootstrapFile, "path to the bootstrap kubeconfig")
	fs.StringVar(&cfg.ServerBindIP, "server-bind-ip", "", "IP reported as node address (default: first non-loopback interface)")
	fs.StringVar(&cfg.ServerCertFile, "server-cert-file", "", "TLS certificate for the callback server")
	fs.StringVar(&cfg.ServerKeyFile, "server-key-file", "", "TLS key (PKCS#8) for the callback server")
	fs.IntVar(&cfg.ServerPort, "server-port", cfg.ServerPort, "callback server port")
	fs.StringVar(&cfg.PackageDirectory, "package-directory", cfg.PackageDirectory, "root of the package store")
	fs.StringVar(&cfg.ConfigDirectory, "config-directory", cfg.ConfigDirectory, "root of per-run config directories")
	fs.StringVar(&cfg.LogDirectory, "log-directory", cfg.LogDirectory, "advisory root for service logs")
	fs.StringVar(&cfg.DataDirectory, "data-directory", cfg.DataDirectory, "agent working data")
	fs.StringVar(&cfg.Hostname, "hostname", "", "override of the registered node name")
	fs.BoolVar(&cfg.Session, "session", false, "use the per-user bus scope and unit directory")
	fs.StringArrayVar(&tags, "tag", nil, "key=value label applied at registration (repeatable)")

	return cmd.Execute()
}

func serve(cfg *agentconfig.Config) error {
	log := logger.New("ns=agent")

	log.Logf("version=%s node=%s bind=%s", version, cfg.Hostname, cfg.ServerBindIP)

	if expiry, err := cfg.CertificateExpiry(); err == nil {
		log.Logf("certificate expires=%s", expiry.Format(time.RFC3339))

		if time.Until(expiry) < 30*24*time.Hour {
			log.Logf("certificate expires in less than 30 days, renew it manually")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Logf("shutdown: leaving services running")
		cancel()
	}()

	cluster, err := connect(ctx, cfg)
	if err != nil {
		return err
	}

	scope := systemd.ScopeSystem

	if cfg.Session {
		scope = systemd.ScopeSession
	}

	units, err := systemd.New(ctx, scope)
	if err != nil {
		return err
	}
	defer units.Close()

	log.Logf("systemd version=%d logs=%t restartCounts=%t", units.Version(), units.Features().Logs, units.Features().RestartCount)

	repos, err := repositories(cfg)
	if err != nil {
		return err
	}

	store := packages.NewStore(cfg.PackageDirectory, repos)

	p := provider.New(cluster, cfg, store, units, version)

	if cfg.ServerCertFile != "" {
		server := callback.New(
			fmt.Sprintf("%s:%d", cfg.ServerBindIP, cfg.ServerPort),
			cfg.ServerCertFile, cfg.ServerKeyFile,
			units.Features(), systemd.NewJournalReader(scope),
		)

		go server.Listen()
	}

	return p.Run(ctx)
}

// connect builds the cluster client from KUBECONFIG or the bootstrap
// kubeconfig. Transient failures retry with bounded backoff before becoming
// fatal.
func connect(ctx context.Context, cfg *agentconfig.Config) (kubernetes.Interface, error) {
	kubeconfig := helpers.CoalesceString(os.Getenv("KUBECONFIG"), cfg.BootstrapFile)

	rc, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, err
	}

	cluster, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, err
	}

	err = helpers.RetryBackoff(ctx, 5, time.Second, time.Minute, func() error {
		_, err := cluster.Discovery().ServerVersion()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cluster api unavailable: %v", err)
	}

	return cluster, nil
}

func repositories(cfg *agentconfig.Config) (*repository.Index, error) {
	file := filepath.Join(cfg.DataDirectory, "repositories.yaml")

	if _, err := os.Stat(file); err == nil {
		return repository.LoadFile(file)
	}

	return repository.New([]repository.Repository{{Name: "stackable", URL: defaultRepository}}), nil
}
