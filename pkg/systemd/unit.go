package systemd

import (
	"fmt"
	"regexp"
	"strings"

	ac "k8s.io/api/core/v1"
)

// restart directives by pod restart policy; the service manager owns all
// restart handling, the agent never retries starts itself.
var restartPolicies = map[ac.RestartPolicy]string{
	ac.RestartPolicyAlways:    "always",
	ac.RestartPolicyOnFailure: "on-failure",
	ac.RestartPolicyNever:     "no",
}

var unitNameUnsafe = regexp.MustCompile(`[^a-z0-9-]`)

// UnitName derives the service unit name for a container. The
// <namespace>-<pod>-<container> prefix is the only persistent link between
// cluster state and local state.
func UnitName(namespace, pod, container string) string {
	name := strings.ToLower(fmt.Sprintf("%s-%s-%s", namespace, pod, container))

	return unitNameUnsafe.ReplaceAllString(name, "-") + ".service"
}

// PodPrefix is the unit name prefix owned by a pod.
func PodPrefix(namespace, pod string) string {
	return unitNameUnsafe.ReplaceAllString(strings.ToLower(fmt.Sprintf("%s-%s-", namespace, pod)), "-")
}

// Unit describes a single service unit derived from one container.
type Unit struct {
	Name             string
	Description      string
	ExecStart        string
	WorkingDirectory string
	EnvironmentFile  string
	User             string
	Restart          string
	TimeoutStopSec   int64
}

func NewUnit(namespace, pod, container string, policy ac.RestartPolicy, graceSeconds int64) *Unit {
	name := UnitName(namespace, pod, container)

	return &Unit{
		Name:           name,
		Description:    strings.TrimSuffix(name, ".service"),
		Restart:        restartPolicies[policy],
		TimeoutStopSec: graceSeconds,
	}
}

// File renders the unit file. Section and key order is fixed so repeated
// renders are byte-identical.
func (u *Unit) File() string {
	var b strings.Builder

	fmt.Fprintf(&b, "[Unit]\n")
	fmt.Fprintf(&b, "Description=%s\n", u.Description)
	fmt.Fprintf(&b, "\n[Service]\n")
	fmt.Fprintf(&b, "ExecStart=%s\n", u.ExecStart)

	if u.WorkingDirectory != "" {
		fmt.Fprintf(&b, "WorkingDirectory=%s\n", u.WorkingDirectory)
	}

	if u.EnvironmentFile != "" {
		fmt.Fprintf(&b, "EnvironmentFile=%s\n", u.EnvironmentFile)
	}

	if u.User != "" {
		fmt.Fprintf(&b, "User=%s\n", u.User)
	}

	fmt.Fprintf(&b, "Restart=%s\n", u.Restart)
	fmt.Fprintf(&b, "TimeoutStopSec=%d\n", u.TimeoutStopSec)
	fmt.Fprintf(&b, "KillMode=mixed\n")
	fmt.Fprintf(&b, "StandardOutput=journal\n")
	fmt.Fprintf(&b, "StandardError=journal\n")

	// mandatory, enabling the unit fails without an install section
	fmt.Fprintf(&b, "\n[Install]\nWantedBy=multi-user.target\n")

	return b.String()
}
