package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/convox/logger"
	"github.com/stackable/agent/pkg/structs"
	ac "k8s.io/api/core/v1"
	am "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

// RunningDelay holds the Running phase back after the last container goes
// active so early failures still surface as Pending.
const RunningDelay = 10 * time.Second

// ContainerView is what the state machine knows about one container when a
// status is projected.
type ContainerView struct {
	Name       string
	Event      structs.UnitEvent
	StartedAt  time.Time
	FinishedAt time.Time
}

// PodView is the projector input: current stage plus the latest unit state
// per container.
type PodView struct {
	Stage      structs.Stage
	Reason     string
	Message    string
	Policy     ac.RestartPolicy
	Containers []ContainerView
}

var phaseRank = map[ac.PodPhase]int{
	ac.PodPending:   0,
	ac.PodRunning:   1,
	ac.PodSucceeded: 2,
	ac.PodFailed:    2,
}

// ComputeStatus maps local state to the cluster-visible pod status.
func ComputeStatus(v PodView, hostIP string, now time.Time) ac.PodStatus {
	status := ac.PodStatus{
		HostIP: hostIP,
		PodIP:  hostIP,
	}

	ready := len(v.Containers) > 0
	allTerminal := len(v.Containers) > 0
	anyFailed := false
	anySucceeded := false
	delayed := false

	for _, c := range v.Containers {
		cs := containerStatus(v, c)

		terminal := cs.State.Terminated != nil

		if !terminal {
			allTerminal = false
		}

		if cs.State.Running == nil {
			ready = false
		} else if now.Sub(c.StartedAt) < RunningDelay {
			delayed = true
		}

		if terminal {
			if cs.State.Terminated.ExitCode == 0 {
				anySucceeded = true
			} else {
				anyFailed = true
			}
		}

		status.ContainerStatuses = append(status.ContainerStatuses, cs)
	}

	status.Phase = phase(v, ready, delayed, allTerminal, anyFailed, anySucceeded)
	status.Reason = v.Reason
	status.Message = v.Message

	cond := ac.ConditionFalse
	if ready && !delayed {
		cond = ac.ConditionTrue
	}

	status.Conditions = []ac.PodCondition{
		{
			Type:               ac.PodReady,
			Status:             cond,
			LastTransitionTime: am.NewTime(now),
		},
	}

	return status
}

func phase(v PodView, ready, delayed, allTerminal, anyFailed, anySucceeded bool) ac.PodPhase {
	switch v.Stage {
	case structs.StageFailed:
		return ac.PodFailed
	case structs.StageTerminated:
		if anyFailed {
			return ac.PodFailed
		}
		return ac.PodSucceeded
	case structs.StageRunning, structs.StageTerminating:
	default:
		return ac.PodPending
	}

	switch v.Policy {
	case ac.RestartPolicyNever:
		if anyFailed {
			return ac.PodFailed
		}
		if allTerminal && anySucceeded {
			return ac.PodSucceeded
		}
	case ac.RestartPolicyOnFailure:
		if allTerminal && !anyFailed {
			return ac.PodSucceeded
		}
		// failing containers keep restarting under the service manager
	}

	if ready && !delayed {
		return ac.PodRunning
	}

	if delayed {
		return ac.PodPending
	}

	// terminal containers under Always/OnFailure are being restarted by the
	// service manager; the pod keeps Running
	if anyFailed || anySucceeded {
		return ac.PodRunning
	}

	return ac.PodPending
}

func containerStatus(v PodView, c ContainerView) ac.ContainerStatus {
	cs := ac.ContainerStatus{Name: c.Name}

	switch c.Event.ActiveState {
	case structs.ActiveStateActive, structs.ActiveStateDeactivating:
		cs.Ready = true
		cs.State.Running = &ac.ContainerStateRunning{StartedAt: am.NewTime(c.StartedAt)}
	case structs.ActiveStateActivating:
		cs.State.Waiting = &ac.ContainerStateWaiting{Reason: "Starting"}
	case structs.ActiveStateInactive, structs.ActiveStateFailed:
		if c.Event.Result == "" && c.Event.ActiveState == structs.ActiveStateInactive && c.StartedAt.IsZero() {
			// never started
			cs.State.Waiting = &ac.ContainerStateWaiting{Reason: waitingReason(v)}
			return cs
		}

		term := &ac.ContainerStateTerminated{
			StartedAt:  am.NewTime(c.StartedAt),
			FinishedAt: am.NewTime(c.FinishedAt),
		}

		// exit codes are not reliably exposed on all targeted hosts
		if c.Event.Result == structs.ResultSuccess {
			term.ExitCode = 0
			term.Reason = "Completed"
			term.Message = "Completed"
		} else {
			term.ExitCode = 1
			term.Reason = "Error"
			term.Message = "Error"
		}

		cs.State.Terminated = term
	default:
		cs.State.Waiting = &ac.ContainerStateWaiting{Reason: waitingReason(v), Message: v.Message}
	}

	return cs
}

func waitingReason(v PodView) string {
	switch v.Stage {
	case structs.StageInstalling:
		return "PullingImage"
	case structs.StageRendering, structs.StageCreating:
		return "ContainerCreating"
	case structs.StageFailed:
		if v.Reason != "" {
			return v.Reason
		}
		return "Error"
	default:
		return "Pending"
	}
}

// Projector writes status patches. Writes are coalesced per pod: at most
// one in-flight patch, newest wins.
type Projector struct {
	cluster  kubernetes.Interface
	features structs.Features
	hostIP   string
	logger   *logger.Logger

	mu    sync.Mutex
	last  map[types.UID]ac.PodPhase
	slots map[types.UID]*patchSlot
}

type patchSlot struct {
	busy bool
	next *ac.PodStatus
}

func NewProjector(cluster kubernetes.Interface, hostIP string, features structs.Features) *Projector {
	return &Projector{
		cluster:  cluster,
		features: features,
		hostIP:   hostIP,
		logger:   logger.New("ns=projector"),
		last:     map[types.UID]ac.PodPhase{},
		slots:    map[types.UID]*patchSlot{},
	}
}

// Annotate writes the feature annotations once per pod.
func (j *Projector) Annotate(ctx context.Context, namespace, name string) error {
	patch := fmt.Sprintf(
		`{"metadata":{"annotations":{"featureLogs":"%t","featureRestartCount":"%t"}}}`,
		j.features.Logs, j.features.RestartCount,
	)

	_, err := j.cluster.CoreV1().Pods(namespace).Patch(ctx, name, types.MergePatchType, []byte(patch), am.PatchOptions{})

	return err
}

// Project computes and submits a status patch for the pod. Phases are
// monotone per UID; a new UID starts fresh.
func (j *Projector) Project(ctx context.Context, namespace, name string, uid types.UID, v PodView, now time.Time) {
	status := ComputeStatus(v, j.hostIP, now)

	j.mu.Lock()

	// phases are monotone; terminal phases are sticky
	last := j.last[uid]

	if phaseRank[last] == 2 && status.Phase != last {
		status.Phase = last
	} else if phaseRank[status.Phase] < phaseRank[last] {
		status.Phase = last
	}

	j.last[uid] = status.Phase

	slot, ok := j.slots[uid]
	if !ok {
		slot = &patchSlot{}
		j.slots[uid] = slot
	}

	slot.next = &status

	if slot.busy {
		j.mu.Unlock()
		return
	}

	slot.busy = true
	j.mu.Unlock()

	go j.flush(ctx, namespace, name, uid, slot)
}

func (j *Projector) flush(ctx context.Context, namespace, name string, uid types.UID, slot *patchSlot) {
	log := j.logger.At("Project").Namespace("pod=%s/%s", namespace, name)

	for {
		j.mu.Lock()
		status := slot.next
		slot.next = nil
		if status == nil {
			slot.busy = false
			j.mu.Unlock()
			return
		}
		j.mu.Unlock()

		if err := j.patch(ctx, namespace, name, *status); err != nil {
			log.Error(err)
		}
	}
}

func (j *Projector) patch(ctx context.Context, namespace, name string, status ac.PodStatus) error {
	ops := []map[string]interface{}{
		{"op": "add", "path": "/status", "value": status},
	}

	data, err := json.Marshal(ops)
	if err != nil {
		return err
	}

	_, err = j.cluster.CoreV1().Pods(namespace).Patch(ctx, name, types.JSONPatchType, data, am.PatchOptions{}, "status")

	return err
}

// PatchRestartCount mirrors the service manager's restart counter into the
// container status. Does nothing when the restart-count feature is off.
func (j *Projector) PatchRestartCount(ctx context.Context, namespace, name string, index, count int) error {
	if !j.features.RestartCount {
		return nil
	}

	ops := []map[string]interface{}{
		{"op": "replace", "path": fmt.Sprintf("/status/containerStatuses/%d/restartCount", index), "value": count},
	}

	data, err := json.Marshal(ops)
	if err != nil {
		return err
	}

	_, err = j.cluster.CoreV1().Pods(namespace).Patch(ctx, name, types.JSONPatchType, data, am.PatchOptions{}, "status")

	return err
}

// Reset clears phase monotonicity for a pod, used when a Failed pod's image
// reference changes and the pipeline starts over.
func (j *Projector) Reset(uid types.UID) {
	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.last, uid)
}

// Forget drops projector state for a pod UID after deletion.
func (j *Projector) Forget(uid types.UID) {
	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.last, uid)
	delete(j.slots, uid)
}
