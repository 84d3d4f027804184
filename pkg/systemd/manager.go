// Package systemd mediates all interaction with the service manager over
// its message bus.
package systemd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/convox/logger"
	sd "github.com/coreos/go-systemd/v22/dbus"
	"github.com/pkg/errors"
	"github.com/stackable/agent/pkg/structs"
)

// Scope selects the system-wide or per-user service-manager instance.
type Scope string

const (
	ScopeSystem  Scope = "system"
	ScopeSession Scope = "session"
)

// jobTimeoutMargin is added on top of a unit's stop grace period when
// waiting for start/stop jobs.
const jobTimeoutMargin = 10 * time.Second

// conn is the subset of the go-systemd bus connection the manager uses,
// extracted so tests can fake the bus.
type conn interface {
	ReloadContext(ctx context.Context) error
	EnableUnitFilesContext(ctx context.Context, files []string, runtime bool, force bool) (bool, []sd.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]sd.DisableUnitFileChange, error)
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	ResetFailedUnitContext(ctx context.Context, name string) error
	ListUnitsContext(ctx context.Context) ([]sd.UnitStatus, error)
	GetServicePropertyContext(ctx context.Context, unit string, property string) (*sd.Property, error)
	GetManagerProperty(property string) (string, error)
	SubscribeUnitsCustom(interval time.Duration, buffer int, isChanged func(*sd.UnitStatus, *sd.UnitStatus) bool, filterUnit func(string) bool) (<-chan map[string]*sd.UnitStatus, <-chan error)
	Close()
}

// Manager owns one bus connection per scope. Every bus method goes through a
// single request-owning goroutine, which keeps the connection free of
// reentrancy while many pod tasks call in concurrently.
type Manager struct {
	Scope   Scope
	UnitDir string

	conn    conn
	logger  *logger.Logger
	reqs    chan request
	version int
}

type request struct {
	fn   func() error
	done chan error
}

func New(ctx context.Context, scope Scope) (*Manager, error) {
	var c *sd.Conn
	var err error
	var dir string

	if scope == ScopeSession {
		c, err = sd.NewUserConnectionContext(ctx)
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config", "systemd", "user")
	} else {
		c, err = sd.NewSystemConnectionContext(ctx)
		dir = "/etc/systemd/system"
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return NewWithConn(c, scope, dir)
}

func NewWithConn(c conn, scope Scope, unitDir string) (*Manager, error) {
	m := &Manager{
		Scope:   scope,
		UnitDir: unitDir,
		conn:    c,
		logger:  logger.New(fmt.Sprintf("ns=systemd scope=%s", scope)),
		reqs:    make(chan request),
	}

	go m.run()

	v, err := m.probeVersion()
	if err != nil {
		return nil, err
	}

	m.version = v

	return m, nil
}

func (m *Manager) run() {
	for req := range m.reqs {
		req.done <- req.fn()
	}
}

func (m *Manager) do(fn func() error) error {
	req := request{fn: fn, done: make(chan error, 1)}

	m.reqs <- req

	return <-req.done
}

// Close shuts the bus connection. The request owner keeps draining so late
// callers fail on the closed connection instead of blocking.
func (m *Manager) Close() {
	m.do(func() error {
		m.conn.Close()
		return nil
	})
}

// Version is the service-manager version detected at startup.
func (m *Manager) Version() int {
	return m.version
}

func (m *Manager) Features() structs.Features {
	return structs.FeaturesForVersion(m.version)
}

func (m *Manager) probeVersion() (int, error) {
	var raw string

	err := m.do(func() error {
		v, err := m.conn.GetManagerProperty("Version")
		if err != nil {
			return errors.WithStack(err)
		}

		raw = v

		return nil
	})
	if err != nil {
		return 0, err
	}

	return parseVersion(raw)
}

// parseVersion extracts the numeric version from strings like "245",
// "\"249.11-0ubuntu3\"" or "\"systemd 232\"".
func parseVersion(raw string) (int, error) {
	raw = strings.Trim(raw, "\" ")

	for _, field := range strings.Fields(raw) {
		digits := field

		for i, r := range field {
			if r < '0' || r > '9' {
				digits = field[:i]
				break
			}
		}

		if digits != "" {
			v, err := strconv.Atoi(digits)
			if err == nil {
				return v, nil
			}
		}
	}

	return 0, errors.Errorf("unparseable service manager version: %s", raw)
}

func (m *Manager) unitFile(name string) string {
	return filepath.Join(m.UnitDir, name)
}

// Owned reports whether the unit file lives in this manager's unit
// directory, i.e. was written by an agent.
func (m *Manager) Owned(name string) bool {
	_, err := os.Stat(m.unitFile(name))

	return err == nil
}

// Install writes the unit file into the scope's unit directory and reloads
// the manager configuration.
func (m *Manager) Install(ctx context.Context, name, body string) error {
	log := m.logger.At("Install").Namespace("unit=%s", name)

	if err := os.MkdirAll(m.UnitDir, 0755); err != nil {
		return log.Error(errors.WithStack(err))
	}

	if err := os.WriteFile(m.unitFile(name), []byte(body), 0644); err != nil {
		return log.Error(errors.WithStack(err))
	}

	err := m.do(func() error {
		return m.conn.ReloadContext(ctx)
	})
	if err != nil {
		return log.Error(errors.WithStack(err))
	}

	log.Success()

	return nil
}

func (m *Manager) Enable(ctx context.Context, name string) error {
	log := m.logger.At("Enable").Namespace("unit=%s", name)

	err := m.do(func() error {
		_, _, err := m.conn.EnableUnitFilesContext(ctx, []string{m.unitFile(name)}, false, true)
		return err
	})
	if err != nil {
		return log.Error(errors.WithStack(err))
	}

	log.Success()

	return nil
}

func (m *Manager) Disable(ctx context.Context, name string) error {
	log := m.logger.At("Disable").Namespace("unit=%s", name)

	err := m.do(func() error {
		_, err := m.conn.DisableUnitFilesContext(ctx, []string{name}, false)
		return err
	})
	if err != nil {
		return log.Error(errors.WithStack(err))
	}

	log.Success()

	return nil
}

// Start starts the unit and waits until the service manager reports the job
// has left the queue. Fire-and-forget here races the bus under concurrent
// pod starts.
func (m *Manager) Start(ctx context.Context, name string, grace time.Duration) error {
	return m.job(ctx, name, grace, m.conn.StartUnitContext)
}

// Stop is job-synchronous like Start, bounded by the pod's termination
// grace period plus a margin.
func (m *Manager) Stop(ctx context.Context, name string, grace time.Duration) error {
	return m.job(ctx, name, grace, m.conn.StopUnitContext)
}

func (m *Manager) job(ctx context.Context, name string, grace time.Duration, call func(context.Context, string, string, chan<- string) (int, error)) error {
	log := m.logger.At("Job").Namespace("unit=%s", name)

	ch := make(chan string, 1)

	err := m.do(func() error {
		_, err := call(ctx, name, "replace", ch)
		return err
	})
	if err != nil {
		return log.Error(errors.WithStack(err))
	}

	select {
	case result := <-ch:
		if result != "done" {
			return log.Error(errors.Errorf("job for %s finished with result %s", name, result))
		}
	case <-time.After(grace + jobTimeoutMargin):
		return log.Error(errors.Errorf("job for %s timed out", name))
	case <-ctx.Done():
		return log.Error(ctx.Err())
	}

	log.Success()

	return nil
}

func (m *Manager) ResetFailed(ctx context.Context, name string) error {
	return m.do(func() error {
		if err := m.conn.ResetFailedUnitContext(ctx, name); err != nil {
			return errors.WithStack(err)
		}
		return nil
	})
}

// Remove deletes the unit file and reloads. The unit should be stopped and
// disabled first.
func (m *Manager) Remove(ctx context.Context, name string) error {
	log := m.logger.At("Remove").Namespace("unit=%s", name)

	if err := os.Remove(m.unitFile(name)); err != nil && !os.IsNotExist(err) {
		return log.Error(errors.WithStack(err))
	}

	err := m.do(func() error {
		return m.conn.ReloadContext(ctx)
	})
	if err != nil {
		return log.Error(errors.WithStack(err))
	}

	log.Success()

	return nil
}

// Units lists the service units currently known to the manager.
func (m *Manager) Units(ctx context.Context) ([]structs.UnitStatus, error) {
	var units []structs.UnitStatus

	err := m.do(func() error {
		us, err := m.conn.ListUnitsContext(ctx)
		if err != nil {
			return errors.WithStack(err)
		}

		for _, u := range us {
			if !strings.HasSuffix(u.Name, ".service") {
				continue
			}

			units = append(units, structs.UnitStatus{
				Name:        u.Name,
				ActiveState: u.ActiveState,
				SubState:    u.SubState,
			})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return units, nil
}

// Result reports the service result property ("success", "exit-code", ...)
// for terminal states.
func (m *Manager) Result(ctx context.Context, name string) (string, error) {
	v, err := m.property(ctx, name, "Result")
	if err != nil {
		return "", err
	}

	return strings.Trim(v, "\""), nil
}

// Restarts reports the unit's restart counter. Requires a service manager
// with restart counters (>= 235).
func (m *Manager) Restarts(ctx context.Context, name string) (int, error) {
	v, err := m.property(ctx, name, "NRestarts")
	if err != nil {
		return 0, err
	}

	n, err := strconv.Atoi(strings.TrimPrefix(v, "@u "))
	if err != nil {
		return 0, errors.WithStack(err)
	}

	return n, nil
}

func (m *Manager) property(ctx context.Context, name, property string) (string, error) {
	var value string

	err := m.do(func() error {
		p, err := m.conn.GetServicePropertyContext(ctx, name, property)
		if err != nil {
			return errors.WithStack(err)
		}

		value = strings.TrimSpace(p.Value.String())

		return nil
	})
	if err != nil {
		return "", err
	}

	return value, nil
}

// Subscribe returns a stream of unit state changes for units accepted by
// filter. The stream closes when ctx is cancelled.
func (m *Manager) Subscribe(ctx context.Context, filter func(string) bool) <-chan structs.UnitEvent {
	out := make(chan structs.UnitEvent)

	changed := func(a, b *sd.UnitStatus) bool {
		return a.ActiveState != b.ActiveState || a.SubState != b.SubState
	}

	drop := func(name string) bool {
		return !filter(name)
	}

	updates, errs := m.conn.SubscribeUnitsCustom(time.Second, 16, changed, drop)

	go func() {
		defer close(out)

		log := m.logger.At("Subscribe")

		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				if err != nil {
					log.Error(err)
				}
			case batch := <-updates:
				for name, status := range batch {
					ev := structs.UnitEvent{Unit: name}

					if status != nil {
						ev.ActiveState = status.ActiveState
						ev.SubState = status.SubState

						if terminal(status.ActiveState) {
							if result, err := m.Result(ctx, name); err == nil {
								ev.Result = result
							}
						}
					} else {
						ev.ActiveState = structs.ActiveStateInactive
					}

					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out
}

func terminal(active string) bool {
	return active == structs.ActiveStateInactive || active == structs.ActiveStateFailed
}
