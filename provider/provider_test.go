package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stackable/agent/pkg/agentconfig"
	"github.com/stackable/agent/pkg/structs"
	ac "k8s.io/api/core/v1"
	am "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"
)

type fakeUnits struct {
	mu        sync.Mutex
	installed  map[string]string
	enabled    map[string]bool
	active     map[string]bool
	removed    []string
	failStart  map[string]string
	startCalls int
	events    chan structs.UnitEvent
	features  structs.Features
}

func newFakeUnits() *fakeUnits {
	return &fakeUnits{
		installed: map[string]string{},
		enabled:   map[string]bool{},
		active:    map[string]bool{},
		failStart: map[string]string{},
		events:    make(chan structs.UnitEvent, 64),
		features:  structs.Features{Logs: true, RestartCount: true},
	}
}

func (f *fakeUnits) Install(ctx context.Context, name, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed[name] = body
	return nil
}

func (f *fakeUnits) Enable(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[name] = true
	return nil
}

func (f *fakeUnits) Disable(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[name] = false
	return nil
}

func (f *fakeUnits) Start(ctx context.Context, name string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.startCalls++

	if msg, ok := f.failStart[name]; ok {
		return fmt.Errorf("%s", msg)
	}

	f.active[name] = true
	return nil
}

func (f *fakeUnits) Stop(ctx context.Context, name string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[name] = false
	return nil
}

func (f *fakeUnits) ResetFailed(ctx context.Context, name string) error {
	return nil
}

func (f *fakeUnits) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.installed, name)
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeUnits) Units(ctx context.Context) ([]structs.UnitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	units := []structs.UnitStatus{}

	for name := range f.installed {
		state := structs.ActiveStateInactive

		if f.active[name] {
			state = structs.ActiveStateActive
		}

		units = append(units, structs.UnitStatus{Name: name, ActiveState: state, SubState: "running"})
	}

	return units, nil
}

func (f *fakeUnits) Owned(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.installed[name]

	return ok
}

func (f *fakeUnits) Subscribe(ctx context.Context, filter func(string) bool) <-chan structs.UnitEvent {
	out := make(chan structs.UnitEvent)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.events:
				if filter(ev.Unit) {
					out <- ev
				}
			}
		}
	}()

	return out
}

func (f *fakeUnits) Features() structs.Features {
	return f.features
}

func (f *fakeUnits) installedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := []string{}

	for name := range f.installed {
		names = append(names, name)
	}

	return names
}

type fakeStore struct {
	mu        sync.Mutex
	root      string
	installed map[string]bool
	err       error
	ensures   int
}

func newFakeStore(root string) *fakeStore {
	return &fakeStore{root: root, installed: map[string]bool{}}
}

func (s *fakeStore) Ensure(ctx context.Context, pkg structs.Package) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensures++

	if s.err != nil {
		return "", s.err
	}

	s.installed[pkg.Name()] = true

	return s.root + "/" + pkg.Name(), nil
}

func (s *fakeStore) Installed(pkg structs.Package) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.installed[pkg.Name()]
}

func (s *fakeStore) InstallPath(pkg structs.Package) string {
	return s.root + "/" + pkg.Name()
}

func testConfig() *agentconfig.Config {
	c := agentconfig.New()
	c.Hostname = "node1"
	c.ServerBindIP = "10.0.0.5"

	return c
}

func testPod(namespace, name string, policy ac.RestartPolicy) *ac.Pod {
	grace := int64(5)

	return &ac.Pod{
		ObjectMeta: am.ObjectMeta{
			Namespace: namespace,
			Name:      name,
			UID:       types.UID("uid-" + namespace + "-" + name),
		},
		Spec: ac.PodSpec{
			NodeName:                      "node1",
			RestartPolicy:                 policy,
			TerminationGracePeriodSeconds: &grace,
			Containers: []ac.Container{
				{
					Name:  "kafka",
					Image: "kafka:2.7.0",
				},
			},
		},
	}
}

func testProvider(units *fakeUnits, store *fakeStore, pods ...*ac.Pod) *Provider {
	cluster := fake.NewSimpleClientset()

	for _, p := range pods {
		cluster.Tracker().Add(p)
	}

	return New(cluster, testConfig(), store, units, "0.1.0")
}
