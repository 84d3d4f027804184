package provider

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/stackable/agent/pkg/systemd"
	am "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
)

// cleanupGrace bounds the stop job for orphaned units; their pods are gone,
// so no grace period is known.
const cleanupGrace = 30 * time.Second

// Cleanup runs exactly once before the registry accepts events. It removes
// units written by an agent whose pod prefix is absent from the cluster
// snapshot. Per-unit failures are logged and skipped; cleanup never aborts
// agent startup.
func (p *Provider) Cleanup(ctx context.Context) error {
	log := p.logger.At("Cleanup")

	pods, err := p.Cluster.CoreV1().Pods("").List(ctx, am.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", p.NodeName).String(),
	})
	if err != nil {
		return log.Error(errors.WithStack(err))
	}

	prefixes := []string{}

	for _, pod := range pods.Items {
		prefixes = append(prefixes, systemd.PodPrefix(pod.Namespace, pod.Name))
	}

	units, err := p.Units.Units(ctx)
	if err != nil {
		return log.Error(err)
	}

	removed := 0

	for _, u := range units {
		if !p.Units.Owned(u.Name) {
			continue
		}

		if hasPodPrefix(u.Name, prefixes) {
			continue
		}

		ulog := log.Namespace("unit=%s", u.Name)

		if err := p.Units.Stop(ctx, u.Name, cleanupGrace); err != nil {
			ulog.Error(err)
		}

		if err := p.Units.Disable(ctx, u.Name); err != nil {
			ulog.Error(err)
		}

		p.Units.ResetFailed(ctx, u.Name)

		if err := p.Units.Remove(ctx, u.Name); err != nil {
			ulog.Error(err)
			continue
		}

		removed++
	}

	log.Successf("removed=%d", removed)

	return nil
}

func hasPodPrefix(unit string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(unit, prefix) {
			return true
		}
	}

	return false
}
