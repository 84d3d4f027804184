// Package provider drives assigned pods through package install, config
// rendering and service-manager units, and reconciles their status with the
// cluster API.
package provider

import (
	"context"
	"time"

	"github.com/convox/logger"
	"github.com/stackable/agent/pkg/agentconfig"
	"github.com/stackable/agent/pkg/structs"
	"k8s.io/client-go/kubernetes"
)

// MaxPods is the hard cap advertised as node capacity at registration.
// Assignments past the cap are rejected explicitly, not silently missed.
const MaxPods = 110

// UnitManager is the service-manager bridge. Implemented by
// systemd.Manager.
type UnitManager interface {
	Install(ctx context.Context, name, body string) error
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
	Start(ctx context.Context, name string, grace time.Duration) error
	Stop(ctx context.Context, name string, grace time.Duration) error
	ResetFailed(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Units(ctx context.Context) ([]structs.UnitStatus, error)
	Owned(name string) bool
	Subscribe(ctx context.Context, filter func(string) bool) <-chan structs.UnitEvent
	Features() structs.Features
}

// PackageStore is the local package installer. Implemented by
// packages.Store.
type PackageStore interface {
	Ensure(ctx context.Context, pkg structs.Package) (string, error)
	Installed(pkg structs.Package) bool
	InstallPath(pkg structs.Package) string
}

type Provider struct {
	Cluster  kubernetes.Interface
	Config   *agentconfig.Config
	NodeName string
	Store    PackageStore
	Units    UnitManager
	Version  string

	logger    *logger.Logger
	projector *Projector
	registry  *Registry
}

func New(cluster kubernetes.Interface, config *agentconfig.Config, store PackageStore, units UnitManager, version string) *Provider {
	p := &Provider{
		Cluster:  cluster,
		Config:   config,
		NodeName: config.Hostname,
		Store:    store,
		Units:    units,
		Version:  version,
		logger:   logger.New("ns=provider"),
	}

	p.projector = NewProjector(cluster, config.ServerBindIP, units.Features())
	p.registry = NewRegistry(p)

	return p
}

// Run performs startup reconciliation, registers the node, then processes
// pod events until ctx is cancelled. Units keep running on shutdown; a
// restarted agent reconstructs all state from the cluster API and unit
// enumeration.
func (p *Provider) Run(ctx context.Context) error {
	log := p.logger.At("Run")

	if err := p.Cleanup(ctx); err != nil {
		return log.Error(err)
	}

	if err := p.RegisterNode(ctx); err != nil {
		return log.Error(err)
	}

	p.registry.Run(ctx)

	<-ctx.Done()

	log.Success()

	return nil
}
