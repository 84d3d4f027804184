package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/convox/logger"
	"github.com/pkg/errors"
	"github.com/stackable/agent/pkg/helpers"
	"github.com/stackable/agent/pkg/packages"
	"github.com/stackable/agent/pkg/structs"
	"github.com/stackable/agent/pkg/systemd"
	"github.com/stackable/agent/pkg/templater"
	ac "k8s.io/api/core/v1"
	am "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// mailboxSize bounds the per-pod event queue.
const mailboxSize = 16

// jobMargin is added on top of the grace period when waiting for units to
// settle after their start jobs complete.
const jobMargin = 10 * time.Second

// installBackoffBase seeds the retry backoff for failed package installs.
var installBackoffBase = 5 * time.Second

type podEventKind int

const (
	podEventUpdate podEventKind = iota
	podEventDelete
	podEventUnit
)

type podEvent struct {
	kind podEventKind
	pod  *ac.Pod
	unit structs.UnitEvent
}

// podTask owns a single pod for its lifetime. All transitions happen under
// the task's lock; nothing else mutates the pod's domain objects.
type podTask struct {
	provider *Provider
	logger   *logger.Logger

	mailbox chan podEvent
	cancel  context.CancelFunc

	mu         sync.Mutex
	pod        *ac.Pod
	stage      structs.Stage
	reason     string
	message    string
	units      map[string]string // container name -> unit name
	events     map[string]structs.UnitEvent
	started    map[string]time.Time
	finished   map[string]time.Time
	deleted    bool
	installDir string
	runDir     string
}

func newPodTask(p *Provider, pod *ac.Pod, cancel context.CancelFunc) *podTask {
	return &podTask{
		provider: p,
		logger:   p.logger.Namespace("pod=%s/%s", pod.Namespace, pod.Name),
		mailbox:  make(chan podEvent, mailboxSize),
		cancel:   cancel,
		pod:      pod,
		stage:    structs.StageRegistered,
		units:    map[string]string{},
		events:   map[string]structs.UnitEvent{},
		started:  map[string]time.Time{},
		finished: map[string]time.Time{},
	}
}

// run is the pod's lifecycle loop. Panics are caught and mapped to phase
// Failed; they never unwind across pod boundaries.
func (t *podTask) run(ctx context.Context) {
	defer t.cancel()

	log := t.logger.At("run")

	defer func() {
		if r := recover(); r != nil {
			log.Error(fmt.Errorf("panic: %v", r))
			t.fail(context.WithoutCancel(ctx), "AgentInternalError", fmt.Sprintf("%v", r))
		}

		t.provider.registry.drop(t)
	}()

	if err := t.setup(ctx); err != nil {
		if t.isDeleted() {
			t.terminate(ctx)
			return
		}

		if ctx.Err() != nil {
			// agent shutdown never stops running services
			return
		}

		log.Error(err)

		t.waitForDeletion(ctx)

		if t.isDeleted() {
			t.terminate(ctx)
		}

		return
	}

	finished := t.running(ctx)

	if t.isDeleted() || finished {
		t.terminate(ctx)
	}
}

// setup drives Registered -> Installing -> Rendering -> Creating ->
// Starting -> Running. Cancellation is checked between I/O steps.
func (t *podTask) setup(ctx context.Context) error {
	if synced, err := t.resync(ctx); err == nil && synced {
		return nil
	}

	pkg, err := t.install(ctx)
	if err = t.failUnless(ctx, "ErrImagePull", err); err != nil {
		return err
	}

	if err := t.checkCancelled(ctx); err != nil {
		return err
	}

	if err := t.failUnless(ctx, "ConfigError", t.render(ctx, pkg)); err != nil {
		return err
	}

	if err := t.checkCancelled(ctx); err != nil {
		return err
	}

	// unit install failures carry the service manager's message verbatim
	if err := t.failUnless(ctx, "CreateServiceFailed", t.create(ctx, pkg)); err != nil {
		return err
	}

	if err := t.checkCancelled(ctx); err != nil {
		return err
	}

	if err := t.failUnless(ctx, "StartServiceFailed", t.start(ctx)); err != nil {
		return err
	}

	t.transition(ctx, structs.StageRunning, "", "")

	return nil
}

func (t *podTask) failUnless(ctx context.Context, reason string, err error) error {
	if err == nil {
		return nil
	}

	// deletion and shutdown cancel stages; that is not a pod failure
	if t.isDeleted() || ctx.Err() != nil {
		return err
	}

	t.fail(ctx, reason, err.Error())

	return err
}

// resync reconstructs Running state after an agent restart when the pod's
// units already exist.
func (t *podTask) resync(ctx context.Context) (bool, error) {
	t.mu.Lock()
	pod := t.pod
	t.mu.Unlock()

	for _, c := range pod.Spec.Containers {
		pkg, err := structs.ParseImage(c.Image)
		if err != nil || !t.provider.Store.Installed(pkg) {
			return false, nil
		}
	}

	units, err := t.provider.Units.Units(ctx)
	if err != nil {
		return false, err
	}

	active := map[string]string{}

	for _, u := range units {
		active[u.Name] = u.ActiveState
	}

	now := time.Now().UTC()

	t.mu.Lock()

	for _, c := range pod.Spec.Containers {
		name := systemd.UnitName(pod.Namespace, pod.Name, c.Name)

		state, ok := active[name]
		if !ok {
			t.units = map[string]string{}
			t.events = map[string]structs.UnitEvent{}
			t.mu.Unlock()
			return false, nil
		}

		t.units[c.Name] = name
		t.events[c.Name] = structs.UnitEvent{Unit: name, ActiveState: state}

		if state == structs.ActiveStateActive {
			t.started[c.Name] = now.Add(-RunningDelay)
		}
	}

	t.mu.Unlock()

	t.logger.At("resync").Success()

	t.transition(ctx, structs.StageRunning, "", "")

	return true, nil
}

func (t *podTask) install(ctx context.Context) (structs.Package, error) {
	t.transition(ctx, structs.StageInstalling, "", "")

	t.mu.Lock()
	pod := t.pod
	t.mu.Unlock()

	var pkg structs.Package

	for _, c := range pod.Spec.Containers {
		p, err := structs.ParseImage(c.Image)
		if err != nil {
			return pkg, err
		}

		// a failed install backs off while the pod stays Pending
		err = t.installBackoff(ctx, func() error {
			dir, err := t.provider.Store.Ensure(ctx, p)
			if err != nil {
				return err
			}

			t.mu.Lock()
			t.installDir = dir
			t.mu.Unlock()

			return nil
		})
		if err != nil {
			return pkg, err
		}

		pkg = p
	}

	return pkg, nil
}

func (t *podTask) installBackoff(ctx context.Context, fn func() error) error {
	wait := installBackoffBase

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if attempt >= 2 || t.isDeleted() || ctx.Err() != nil {
			return err
		}

		t.transition(ctx, structs.StageInstalling, "ImagePullBackOff", err.Error())

		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}

		wait *= 2
	}
}

func (t *podTask) render(ctx context.Context, pkg structs.Package) error {
	t.transition(ctx, structs.StageRendering, "", "")

	t.mu.Lock()
	pod := t.pod
	installDir := t.installDir
	t.mu.Unlock()

	cfg := t.provider.Config

	runDir, err := templater.RunDirectory(cfg.ConfigDirectory, pod.Namespace, pod.Name, time.Now())
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.runDir = runDir
	t.mu.Unlock()

	tp := templater.New(t.variables(pod, installDir, runDir))

	for _, v := range pod.Spec.Volumes {
		if v.ConfigMap == nil {
			continue
		}

		cm, err := t.provider.Cluster.CoreV1().ConfigMaps(pod.Namespace).Get(ctx, v.ConfigMap.Name, am.GetOptions{})
		if err != nil {
			return errors.Wrapf(err, "config map %s", v.ConfigMap.Name)
		}

		if err := tp.RenderFiles(cm.Data, runDir); err != nil {
			return err
		}
	}

	return nil
}

func (t *podTask) variables(pod *ac.Pod, installDir, runDir string) templater.Variables {
	cfg := t.provider.Config

	env := map[string]string{}

	for _, c := range pod.Spec.Containers {
		for _, e := range c.Env {
			env[e.Name] = e.Value
		}
	}

	return templater.NewVariables(
		pod.Name, pod.Namespace, string(pod.UID),
		cfg.ServerBindIP, cfg.ServerBindIP, t.provider.NodeName,
		installDir, runDir, cfg.DataDirectory, cfg.LogDirectory,
	).Merge(env)
}

func (t *podTask) create(ctx context.Context, pkg structs.Package) error {
	t.transition(ctx, structs.StageCreating, "", "")

	t.mu.Lock()
	pod := t.pod
	installDir := t.installDir
	runDir := t.runDir
	t.mu.Unlock()

	manifest, err := packages.LoadManifest(installDir)
	if err != nil {
		return err
	}

	tp := templater.New(t.variables(pod, installDir, runDir))

	for _, c := range pod.Spec.Containers {
		unit, err := t.buildUnit(tp, pod, c, manifest, installDir, runDir)
		if err != nil {
			return err
		}

		if err := t.provider.Units.Install(ctx, unit.Name, unit.File()); err != nil {
			return err
		}

		if err := t.provider.Units.Enable(ctx, unit.Name); err != nil {
			return err
		}

		t.mu.Lock()
		t.units[c.Name] = unit.Name
		t.mu.Unlock()
	}

	return nil
}

func (t *podTask) buildUnit(tp *templater.Templater, pod *ac.Pod, c ac.Container, manifest *packages.Manifest, installDir, runDir string) (*systemd.Unit, error) {
	unit := systemd.NewUnit(pod.Namespace, pod.Name, c.Name, pod.Spec.RestartPolicy, t.grace())

	command := manifest.Executable(installDir)
	args := manifest.Args

	if len(c.Command) > 0 {
		command = c.Command[0]
		args = c.Command[1:]
	}

	if len(c.Args) > 0 {
		args = c.Args
	}

	parts := append([]string{command}, args...)

	for i, part := range parts {
		rendered, err := tp.Render(part)
		if err != nil {
			return nil, err
		}

		parts[i] = rendered
	}

	unit.ExecStart = strings.Join(parts, " ")
	unit.WorkingDirectory = runDir

	if c.WorkingDir != "" {
		unit.WorkingDirectory = c.WorkingDir
	}

	env := map[string]string{}

	for _, e := range c.Env {
		env[e.Name] = e.Value
	}

	if len(env) > 0 {
		file, err := tp.WriteEnvironmentFile(env, runDir)
		if err != nil {
			return nil, err
		}

		unit.EnvironmentFile = file
	}

	// service-account user when resolvable, otherwise the agent's own user
	if pod.Spec.ServiceAccountName != "" && pod.Spec.ServiceAccountName != "default" {
		unit.User = pod.Spec.ServiceAccountName
	}

	return unit, nil
}

func (t *podTask) start(ctx context.Context) error {
	t.transition(ctx, structs.StageStarting, "", "")

	t.mu.Lock()
	units := map[string]string{}
	for c, u := range t.units {
		units[c] = u
	}
	t.mu.Unlock()

	grace := time.Duration(t.grace()) * time.Second

	for c, unit := range units {
		if err := t.provider.Units.Start(ctx, unit, grace); err != nil {
			return err
		}

		now := time.Now().UTC()

		t.mu.Lock()
		t.events[c] = structs.UnitEvent{Unit: unit, ActiveState: structs.ActiveStateActivating}
		t.started[c] = now
		t.mu.Unlock()
	}

	// the stage only completes once every unit has left activation
	return helpers.WaitContext(ctx, 250*time.Millisecond, grace+jobMargin, func() (bool, error) {
		statuses, err := t.provider.Units.Units(ctx)
		if err != nil {
			return false, err
		}

		state := map[string]string{}

		for _, u := range statuses {
			state[u.Name] = u.ActiveState
		}

		settled := true

		now := time.Now().UTC()

		t.mu.Lock()

		for c, unit := range units {
			s, ok := state[unit]
			if !ok || s == structs.ActiveStateActivating {
				settled = false
				continue
			}

			if t.events[c].ActiveState != s {
				t.events[c] = structs.UnitEvent{Unit: unit, ActiveState: s}

				if s == structs.ActiveStateActive {
					t.started[c] = now
				}
			}
		}

		t.mu.Unlock()

		return settled, nil
	})
}

// running consumes pod and unit events until the pod is deleted, the agent
// shuts down, or the restart policy declares the pod finished. Returns
// whether the pod finished.
func (t *podTask) running(ctx context.Context) bool {
	delay := time.NewTimer(RunningDelay)
	defer delay.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-delay.C:
			// re-project once the running delay has passed
			t.project(ctx)
		case ev := <-t.mailbox:
			switch ev.kind {
			case podEventDelete:
				return false
			case podEventUpdate:
				t.update(ctx, ev.pod)
			case podEventUnit:
				if finished := t.applyUnit(ctx, ev.unit); finished {
					return true
				}
			}
		}
	}
}

// waitForDeletion keeps a Failed pod visible until the cluster removes it
// or its image reference changes.
func (t *podTask) waitForDeletion(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.mailbox:
			switch ev.kind {
			case podEventDelete:
				return
			case podEventUpdate:
				changed := t.imageChanged(ev.pod)

				if changed {
					t.provider.projector.Reset(ev.pod.UID)
				}

				t.update(ctx, ev.pod)

				if changed {
					if err := t.setup(ctx); err == nil {
						if finished := t.running(ctx); finished || t.isDeleted() {
							return
						}
					}
				}
			}
		}
	}
}

func (t *podTask) imageChanged(pod *ac.Pod) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(pod.Spec.Containers) != len(t.pod.Spec.Containers) {
		return true
	}

	for i := range pod.Spec.Containers {
		if pod.Spec.Containers[i].Image != t.pod.Spec.Containers[i].Image {
			return true
		}
	}

	return false
}

func (t *podTask) update(ctx context.Context, pod *ac.Pod) {
	t.mu.Lock()
	t.pod = pod
	t.mu.Unlock()

	t.project(ctx)
}

// applyUnit folds a service-manager event into the container map and
// reports whether the pod is finished under its restart policy.
func (t *podTask) applyUnit(ctx context.Context, ev structs.UnitEvent) bool {
	now := time.Now().UTC()

	t.mu.Lock()

	var container string

	for c, unit := range t.units {
		if unit == ev.Unit {
			container = c
			break
		}
	}

	if container == "" {
		t.mu.Unlock()
		return false
	}

	prev := t.events[container]
	t.events[container] = ev

	switch ev.ActiveState {
	case structs.ActiveStateActive:
		if prev.ActiveState != structs.ActiveStateActive {
			t.started[container] = now
		}
	case structs.ActiveStateInactive, structs.ActiveStateFailed:
		if prev.ActiveState == structs.ActiveStateActive || t.finished[container].IsZero() {
			t.finished[container] = now
		}
	}

	policy := t.pod.Spec.RestartPolicy

	allTerminal := true
	anyFailed := false

	for _, c := range t.pod.Spec.Containers {
		e := t.events[c.Name]

		switch e.ActiveState {
		case structs.ActiveStateInactive, structs.ActiveStateFailed:
			if e.Result != structs.ResultSuccess {
				anyFailed = true
			}
		default:
			allTerminal = false
		}
	}

	t.mu.Unlock()

	t.project(ctx)

	// the service manager owns restarts for Always/OnFailure; the pod only
	// finishes when the policy says so
	switch policy {
	case ac.RestartPolicyNever:
		return allTerminal
	case ac.RestartPolicyOnFailure:
		return allTerminal && !anyFailed
	}

	return false
}

// terminate stops, disables and (on deletion) removes the pod's units. The
// run directory is history and stays on disk.
func (t *podTask) terminate(ctx context.Context) {
	// teardown proceeds even when the task context is cancelled
	ctx = context.WithoutCancel(ctx)

	t.transition(ctx, structs.StageTerminating, "", "")

	log := t.logger.At("terminate")

	t.mu.Lock()
	units := map[string]string{}
	for c, u := range t.units {
		units[c] = u
	}
	deleted := t.deleted
	t.mu.Unlock()

	grace := time.Duration(t.grace()) * time.Second

	for c, unit := range units {
		if err := t.provider.Units.Stop(ctx, unit, grace); err != nil {
			log.Error(err)
		}

		if err := t.provider.Units.Disable(ctx, unit); err != nil {
			log.Error(err)
		}

		t.provider.Units.ResetFailed(ctx, unit)

		if deleted {
			if err := t.provider.Units.Remove(ctx, unit); err != nil {
				log.Error(err)
			}
		}

		now := time.Now().UTC()

		t.mu.Lock()
		if t.finished[c].IsZero() {
			t.finished[c] = now
		}
		t.mu.Unlock()
	}

	t.transition(ctx, structs.StageTerminated, "", "")

	if deleted {
		t.mu.Lock()
		namespace, name := t.pod.Namespace, t.pod.Name
		t.mu.Unlock()

		// confirm the deletion so the API object goes away immediately
		zero := int64(0)

		err := t.provider.Cluster.CoreV1().Pods(namespace).Delete(ctx, name, am.DeleteOptions{GracePeriodSeconds: &zero})
		if err != nil {
			log.Error(err)
		}
	}

	log.Success()
}

func (t *podTask) fail(ctx context.Context, reason, message string) {
	t.transition(ctx, structs.StageFailed, reason, message)
}

func (t *podTask) transition(ctx context.Context, stage structs.Stage, reason, message string) {
	t.mu.Lock()
	t.stage = stage
	t.reason = reason
	t.message = message
	t.mu.Unlock()

	t.logger.At("transition").Logf("stage=%s reason=%q", stage, reason)

	t.project(ctx)
}

func (t *podTask) project(ctx context.Context) {
	t.mu.Lock()

	pod := t.pod

	view := PodView{
		Stage:   t.stage,
		Reason:  t.reason,
		Message: t.message,
		Policy:  pod.Spec.RestartPolicy,
	}

	for _, c := range pod.Spec.Containers {
		view.Containers = append(view.Containers, ContainerView{
			Name:       c.Name,
			Event:      t.events[c.Name],
			StartedAt:  t.started[c.Name],
			FinishedAt: t.finished[c.Name],
		})
	}

	t.mu.Unlock()

	t.provider.projector.Project(ctx, pod.Namespace, pod.Name, pod.UID, view, time.Now().UTC())
}

func (t *podTask) grace() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return helpers.DefaultInt64(t.pod.Spec.TerminationGracePeriodSeconds, 30)
}

func (t *podTask) markDeleted() {
	t.mu.Lock()
	t.deleted = true
	t.mu.Unlock()
}

func (t *podTask) isDeleted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.deleted
}

func (t *podTask) checkCancelled(ctx context.Context) error {
	if t.isDeleted() {
		return errors.New("pod deleted")
	}

	return ctx.Err()
}
