package provider

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/convox/logger"
	"github.com/stackable/agent/pkg/helpers"
	"github.com/stackable/agent/pkg/structs"
	"github.com/stackable/agent/pkg/systemd"
	ac "k8s.io/api/core/v1"
	am "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/types"
	ic "k8s.io/client-go/informers"
	"k8s.io/client-go/tools/cache"
)

// Registry indexes the active pod tasks by UID and routes cluster and unit
// events to them. Delivery is in order per pod; there is no ordering across
// pods.
type Registry struct {
	provider *Provider
	logger   *logger.Logger

	mu    sync.Mutex
	tasks map[types.UID]*podTask
}

func NewRegistry(p *Provider) *Registry {
	return &Registry{
		provider: p,
		logger:   logger.New("ns=registry"),
		tasks:    map[types.UID]*podTask{},
	}
}

// Run starts the unit event dispatcher and the pod informer filtered to
// this node. It returns once the informer is running.
func (r *Registry) Run(ctx context.Context) {
	go r.dispatchUnitEvents(ctx)

	factory := ic.NewSharedInformerFactoryWithOptions(
		r.provider.Cluster,
		0,
		ic.WithTweakListOptions(func(opts *am.ListOptions) {
			opts.FieldSelector = fields.OneTermEqualSelector("spec.nodeName", r.provider.NodeName).String()
		}),
	)

	informer := factory.Core().V1().Pods().Informer()

	informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if pod, ok := obj.(*ac.Pod); ok {
				r.add(ctx, pod)
			}
		},
		UpdateFunc: func(prev, cur interface{}) {
			pp, ok1 := prev.(*ac.Pod)
			cp, ok2 := cur.(*ac.Pod)

			if ok1 && ok2 {
				r.update(ctx, pp, cp)
			}
		},
		DeleteFunc: func(obj interface{}) {
			if d, ok := obj.(cache.DeletedFinalStateUnknown); ok {
				obj = d.Obj
			}

			if pod, ok := obj.(*ac.Pod); ok {
				r.delete(ctx, pod)
			}
		},
	})

	go informer.Run(ctx.Done())
}

// Active is the number of pods currently owned by tasks.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.tasks)
}

func (r *Registry) add(ctx context.Context, pod *ac.Pod) {
	log := r.logger.At("add").Namespace("pod=%s/%s", pod.Namespace, pod.Name)

	r.mu.Lock()

	if t, ok := r.tasks[pod.UID]; ok {
		r.mu.Unlock()
		r.send(t, podEvent{kind: podEventUpdate, pod: pod})
		return
	}

	if len(r.tasks) >= MaxPods {
		r.mu.Unlock()

		log.Errorf("node capacity of %d pods exceeded", MaxPods)

		r.provider.projector.Project(ctx, pod.Namespace, pod.Name, pod.UID, PodView{
			Stage:   structs.StageFailed,
			Reason:  "NodeCapacityExceeded",
			Message: "node capacity exceeded",
			Policy:  pod.Spec.RestartPolicy,
		}, time.Now().UTC())

		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := newPodTask(r.provider, pod, cancel)
	r.tasks[pod.UID] = t
	r.mu.Unlock()

	log.Logf("spawn uid=%s", pod.UID)

	go func() {
		if err := r.provider.projector.Annotate(ctx, pod.Namespace, pod.Name); err != nil {
			log.Error(err)
		}

		t.run(taskCtx)
	}()
}

func (r *Registry) update(ctx context.Context, prev, cur *ac.Pod) {
	// updates touching only status fields the agent itself owns would feed
	// back into the pipeline
	if statusOnlyUpdate(prev, cur) {
		return
	}

	// a graceful delete arrives as an update carrying a deletion timestamp
	if cur.DeletionTimestamp != nil {
		r.delete(ctx, cur)
		return
	}

	r.mu.Lock()
	t, ok := r.tasks[cur.UID]
	r.mu.Unlock()

	if !ok {
		r.add(ctx, cur)
		return
	}

	r.send(t, podEvent{kind: podEventUpdate, pod: cur})
}

func (r *Registry) delete(ctx context.Context, pod *ac.Pod) {
	r.mu.Lock()
	t, ok := r.tasks[pod.UID]
	r.mu.Unlock()

	if !ok {
		// the task already finished; reap any units left behind
		go r.reap(ctx, pod)
		return
	}

	// deletion interrupts the current stage at its next suspension point
	t.markDeleted()
	t.cancel()

	r.provider.projector.Forget(pod.UID)
}

// reap removes units for a pod whose task has already exited, e.g. a
// completed pod deleted later.
func (r *Registry) reap(ctx context.Context, pod *ac.Pod) {
	log := r.logger.At("reap").Namespace("pod=%s/%s", pod.Namespace, pod.Name)

	grace := time.Duration(helpers.DefaultInt64(pod.Spec.TerminationGracePeriodSeconds, 30)) * time.Second

	for _, c := range pod.Spec.Containers {
		unit := systemd.UnitName(pod.Namespace, pod.Name, c.Name)

		if !r.provider.Units.Owned(unit) {
			continue
		}

		if err := r.provider.Units.Stop(ctx, unit, grace); err != nil {
			log.Error(err)
		}

		if err := r.provider.Units.Disable(ctx, unit); err != nil {
			log.Error(err)
		}

		if err := r.provider.Units.Remove(ctx, unit); err != nil {
			log.Error(err)
		}
	}

	r.provider.projector.Forget(pod.UID)

	log.Success()
}

// send enqueues an event on the pod's mailbox, dropping the oldest pending
// event when the mailbox is full. Order per pod is preserved.
func (r *Registry) send(t *podTask, ev podEvent) {
	for {
		select {
		case t.mailbox <- ev:
			return
		default:
		}

		select {
		case <-t.mailbox:
		default:
		}
	}
}

func (r *Registry) drop(t *podTask) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for uid, task := range r.tasks {
		if task == t {
			delete(r.tasks, uid)
		}
	}
}

// dispatchUnitEvents routes service-manager state changes to the owning
// pod task by unit-name prefix.
func (r *Registry) dispatchUnitEvents(ctx context.Context) {
	events := r.provider.Units.Subscribe(ctx, func(name string) bool {
		return r.owns(name)
	})

	for ev := range events {
		r.mu.Lock()

		var target *podTask

		for _, t := range r.tasks {
			t.mu.Lock()
			prefix := systemd.PodPrefix(t.pod.Namespace, t.pod.Name)
			t.mu.Unlock()

			if strings.HasPrefix(ev.Unit, prefix) {
				target = t
				break
			}
		}

		r.mu.Unlock()

		if target != nil {
			r.send(target, podEvent{kind: podEventUnit, unit: ev})
		}
	}
}

func (r *Registry) owns(unit string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tasks {
		t.mu.Lock()
		prefix := systemd.PodPrefix(t.pod.Namespace, t.pod.Name)
		t.mu.Unlock()

		if strings.HasPrefix(unit, prefix) {
			return true
		}
	}

	return false
}

// statusOnlyUpdate reports whether the update only changes fields the agent
// itself writes.
func statusOnlyUpdate(prev, cur *ac.Pod) bool {
	if !reflect.DeepEqual(prev.Spec, cur.Spec) {
		return false
	}

	if cur.DeletionTimestamp != nil && prev.DeletionTimestamp == nil {
		return false
	}

	pa := ownAnnotationsStripped(prev.Annotations)
	ca := ownAnnotationsStripped(cur.Annotations)

	if !reflect.DeepEqual(pa, ca) {
		return false
	}

	if !reflect.DeepEqual(prev.Labels, cur.Labels) {
		return false
	}

	return true
}

func ownAnnotationsStripped(in map[string]string) map[string]string {
	out := map[string]string{}

	for k, v := range in {
		if k == "featureLogs" || k == "featureRestartCount" {
			continue
		}

		out[k] = v
	}

	return out
}
