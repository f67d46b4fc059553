package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vx-labs/cache-mesh/discovery/peers"
)

func snapshotOf(names ...string) []peers.Peer {
	set := make([]peers.Peer, 0, len(names))
	for i, name := range names {
		set = append(set, peers.Peer{Name: name, Host: fmt.Sprintf("10.0.0.%d", i+1), ServicePort: 8123})
	}
	return set
}

func TestResponsibleFor(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		snapshot := snapshotOf("a", "b", "c", "d")
		first := ResponsibleFor("some-key", snapshot, 2)
		for i := 0; i < 10; i++ {
			require.Equal(t, first, ResponsibleFor("some-key", snapshot, 2))
		}
	})
	t.Run("snapshot order does not matter", func(t *testing.T) {
		require.Equal(t,
			ResponsibleFor("some-key", snapshotOf("a", "b", "c"), 2),
			ResponsibleFor("some-key", snapshotOf("c", "a", "b"), 2))
	})
	t.Run("empty snapshot yields empty set", func(t *testing.T) {
		require.Empty(t, ResponsibleFor("some-key", nil, 2))
	})
	t.Run("set size is capped by peer count", func(t *testing.T) {
		require.Len(t, ResponsibleFor("some-key", snapshotOf("a"), 2), 1)
		require.Len(t, ResponsibleFor("some-key", snapshotOf("a", "b"), 2), 2)
		require.Len(t, ResponsibleFor("some-key", snapshotOf("a", "b", "c"), 2), 2)
	})
	t.Run("walk wraps around the sorted list", func(t *testing.T) {
		snapshot := snapshotOf("a", "b", "c")
		for i := 0; i < 50; i++ {
			set := ResponsibleFor(fmt.Sprintf("key-%d", i), snapshot, 2)
			require.Len(t, set, 2)
			require.NotEqual(t, set[0].Name, set[1].Name)
		}
	})
}

func TestLocallyResponsible(t *testing.T) {
	t.Run("alone means always responsible", func(t *testing.T) {
		require.True(t, locallyResponsible("any-key", "local", nil, 2))
	})
	t.Run("deterministic", func(t *testing.T) {
		snapshot := snapshotOf("a", "b", "c")
		first := locallyResponsible("some-key", "local", snapshot, 2)
		for i := 0; i < 10; i++ {
			require.Equal(t, first, locallyResponsible("some-key", "local", snapshot, 2))
		}
	})
	t.Run("responsibility is spread", func(t *testing.T) {
		snapshot := snapshotOf("a", "b", "c", "d", "e")
		owned := 0
		for i := 0; i < 200; i++ {
			if locallyResponsible(fmt.Sprintf("key-%d", i), "local", snapshot, 2) {
				owned++
			}
		}
		// 2 replicas across 6 nodes: expect roughly a third of the keys
		require.Greater(t, owned, 20)
		require.Less(t, owned, 140)
	})
}
