package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	ac "k8s.io/api/core/v1"
)

func TestCleanupRemovesOrphans(t *testing.T) {
	units := newFakeUnits()
	units.installed["default-kafka-kafka.service"] = "[Unit]\n"
	units.installed["default-old-zookeeper.service"] = "[Unit]\n"
	units.active["default-old-zookeeper.service"] = true

	store := newFakeStore(t.TempDir())

	// only the kafka pod is still in the cluster snapshot
	p := testProvider(units, store, testPod("default", "kafka", ac.RestartPolicyAlways))

	require.NoError(t, p.Cleanup(context.Background()))

	require.Equal(t, []string{"default-old-zookeeper.service"}, units.removed)
	require.Contains(t, units.installedNames(), "default-kafka-kafka.service")
}

func TestCleanupKeepsUnitsOfListedPods(t *testing.T) {
	units := newFakeUnits()
	units.installed["default-kafka-kafka.service"] = "[Unit]\n"

	store := newFakeStore(t.TempDir())

	// cluster snapshot still contains the pod: agent restart case
	p := testProvider(units, store, testPod("default", "kafka", ac.RestartPolicyAlways))

	require.NoError(t, p.Cleanup(context.Background()))

	require.Empty(t, units.removed)
}

func TestCleanupEmptySnapshot(t *testing.T) {
	units := newFakeUnits()
	units.installed["default-kafka-kafka.service"] = "[Unit]\n"

	store := newFakeStore(t.TempDir())

	p := testProvider(units, store)

	require.NoError(t, p.Cleanup(context.Background()))

	require.Equal(t, []string{"default-kafka-kafka.service"}, units.removed)
}
