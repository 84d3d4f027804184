package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/stackable/agent/pkg/helpers"
	ac "k8s.io/api/core/v1"
	ae "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	am "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const archTaint = "kubernetes.io/arch"

// RegisterNode creates or updates this agent's Node object: the arch taints
// keep regular workloads away, capacity advertises the pod cap, and the
// configured tags become labels.
func (p *Provider) RegisterNode(ctx context.Context) error {
	log := p.logger.At("RegisterNode").Namespace("node=%s", p.NodeName)

	node, err := p.Cluster.CoreV1().Nodes().Get(ctx, p.NodeName, am.GetOptions{})

	switch {
	case ae.IsNotFound(err):
		node = &ac.Node{ObjectMeta: am.ObjectMeta{Name: p.NodeName}}
		p.decorateNode(node)

		if node, err = p.Cluster.CoreV1().Nodes().Create(ctx, node, am.CreateOptions{}); err != nil {
			return log.Error(errors.WithStack(err))
		}
	case err != nil:
		return log.Error(errors.WithStack(err))
	default:
		p.decorateNode(node)

		if node, err = p.Cluster.CoreV1().Nodes().Update(ctx, node, am.UpdateOptions{}); err != nil {
			return log.Error(errors.WithStack(err))
		}
	}

	node.Status = p.nodeStatus()

	// status updates race the control plane right after registration
	err = helpers.Retry(3, 250*time.Millisecond, func() error {
		_, err := p.Cluster.CoreV1().Nodes().UpdateStatus(ctx, node, am.UpdateOptions{})
		return err
	})
	if err != nil {
		return log.Error(errors.WithStack(err))
	}

	log.Success()

	return nil
}

func (p *Provider) decorateNode(node *ac.Node) {
	if node.Labels == nil {
		node.Labels = map[string]string{}
	}

	node.Labels[archTaint] = "stackable-linux"

	for k, v := range p.Config.Tags {
		node.Labels[k] = v
	}

	node.Spec.Taints = []ac.Taint{
		{Key: archTaint, Value: "stackable-linux", Effect: ac.TaintEffectNoSchedule},
		{Key: archTaint, Value: "stackable-linux", Effect: ac.TaintEffectNoExecute},
	}

	if p.Config.PodCIDR != "" {
		node.Spec.PodCIDR = p.Config.PodCIDR
	}
}

func (p *Provider) nodeStatus() ac.NodeStatus {
	return ac.NodeStatus{
		Capacity: ac.ResourceList{
			ac.ResourcePods: resource.MustParse(fmt.Sprintf("%d", MaxPods)),
		},
		Allocatable: ac.ResourceList{
			ac.ResourcePods: resource.MustParse(fmt.Sprintf("%d", MaxPods)),
		},
		Addresses: []ac.NodeAddress{
			{Type: ac.NodeInternalIP, Address: p.Config.ServerBindIP},
			{Type: ac.NodeHostName, Address: p.NodeName},
		},
		DaemonEndpoints: ac.NodeDaemonEndpoints{
			KubeletEndpoint: ac.DaemonEndpoint{Port: int32(p.Config.ServerPort)},
		},
		NodeInfo: ac.NodeSystemInfo{
			KubeletVersion:  p.Version,
			OperatingSystem: "linux",
		},
		Conditions: []ac.NodeCondition{
			{Type: ac.NodeReady, Status: ac.ConditionTrue, Reason: "AgentReady"},
		},
	}
}
