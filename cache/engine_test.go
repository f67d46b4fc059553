package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vx-labs/cache-mesh/discovery/peers"
	"github.com/vx-labs/cache-mesh/events"
)

const (
	eventuallyTimeout = 2 * time.Second
	eventuallyTick    = 10 * time.Millisecond
)

type fakeMesh struct {
	bus      *events.Bus
	snapshot []peers.Peer
}

func newFakeMesh(snapshot ...peers.Peer) *fakeMesh {
	return &fakeMesh{bus: events.NewBus(nil), snapshot: snapshot}
}
func (f *fakeMesh) Peers() []peers.Peer {
	return f.snapshot
}
func (f *fakeMesh) OnPeerEvent(h func(events.Event)) events.CancelFunc {
	return f.bus.Subscribe(h)
}

type fakeTransport struct {
	mtx     sync.Mutex
	data    map[string]map[string]json.RawMessage
	failing map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		data:    map[string]map[string]json.RawMessage{},
		failing: map[string]bool{},
	}
}

func (f *fakeTransport) peerData(name string) map[string]json.RawMessage {
	if f.data[name] == nil {
		f.data[name] = map[string]json.RawMessage{}
	}
	return f.data[name]
}

func (f *fakeTransport) seed(peer, key, value string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.peerData(peer)[key] = json.RawMessage(value)
}

func (f *fakeTransport) held(peer, key string) (string, bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	v, ok := f.peerData(peer)[key]
	return string(v), ok
}

func (f *fakeTransport) Get(_ context.Context, p peers.Peer, key string) (json.RawMessage, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.failing[p.Name] {
		return nil, errors.New("peer unreachable")
	}
	value, ok := f.peerData(p.Name)[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

func (f *fakeTransport) Set(_ context.Context, p peers.Peer, key string, value json.RawMessage) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.failing[p.Name] {
		return errors.New("peer unreachable")
	}
	f.peerData(p.Name)[key] = value
	return nil
}

func (f *fakeTransport) Delete(_ context.Context, p peers.Peer, key string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.failing[p.Name] {
		return errors.New("peer unreachable")
	}
	delete(f.peerData(p.Name), key)
	return nil
}

func (f *fakeTransport) ListKeys(_ context.Context, p peers.Peer) ([]string, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.failing[p.Name] {
		return nil, errors.New("peer unreachable")
	}
	keys := make([]string, 0, len(f.peerData(p.Name)))
	for key := range f.peerData(p.Name) {
		keys = append(keys, key)
	}
	return keys, nil
}

func testEngine(mesh PeerSource, transport Transport) *Engine {
	config := DefaultConfig()
	config.Name = "local"
	config.Tenant = "acme"
	return New(config, zap.NewNop(), mesh, transport)
}

func TestEngineLocalOperations(t *testing.T) {
	ctx := context.Background()
	t.Run("read after write", func(t *testing.T) {
		engine := testEngine(newFakeMesh(), newFakeTransport())
		defer engine.Close()
		require.NoError(t, engine.Set(ctx, "x", json.RawMessage(`"1"`)))
		value, err := engine.Get(ctx, "x")
		require.NoError(t, err)
		require.JSONEq(t, `"1"`, string(value))
	})
	t.Run("delete then get is not found", func(t *testing.T) {
		engine := testEngine(newFakeMesh(), newFakeTransport())
		defer engine.Close()
		require.NoError(t, engine.Set(ctx, "x", json.RawMessage(`"1"`)))
		require.NoError(t, engine.Delete(ctx, "x"))
		_, err := engine.Get(ctx, "x")
		require.Equal(t, ErrKeyNotFound, err)
	})
	t.Run("keys returns every distinct key", func(t *testing.T) {
		engine := testEngine(newFakeMesh(), newFakeTransport())
		defer engine.Close()
		for i := 0; i < 5; i++ {
			require.NoError(t, engine.Set(ctx, fmt.Sprintf("key-%d", i), json.RawMessage(`null`)))
		}
		require.Equal(t, []string{"key-0", "key-1", "key-2", "key-3", "key-4"}, engine.Keys(ctx))
		require.Equal(t, engine.Keys(ctx), engine.Keys(ctx))
		require.Equal(t, 5, engine.LocalSize())
	})
}

func TestEngineSet(t *testing.T) {
	ctx := context.Background()
	snapshot := snapshotOf("a", "b", "c")

	t.Run("replicates to the responsible peers", func(t *testing.T) {
		transport := newFakeTransport()
		engine := testEngine(newFakeMesh(snapshot...), transport)
		defer engine.Close()
		require.NoError(t, engine.Set(ctx, "x", json.RawMessage(`"1"`)))
		replicas := ResponsibleFor("x", snapshot, 2)
		require.Len(t, replicas, 2)
		for _, p := range replicas {
			require.Eventually(t, func() bool {
				_, ok := transport.held(p.Name, "x")
				return ok
			}, eventuallyTimeout, eventuallyTick)
		}
	})
	t.Run("succeeds with every replica unreachable", func(t *testing.T) {
		transport := newFakeTransport()
		for _, p := range snapshot {
			transport.failing[p.Name] = true
		}
		engine := testEngine(newFakeMesh(snapshot...), transport)
		defer engine.Close()
		require.NoError(t, engine.Set(ctx, "x", json.RawMessage(`"1"`)))
		value, err := engine.Get(ctx, "x")
		require.NoError(t, err)
		require.JSONEq(t, `"1"`, string(value))
	})
}

func TestEngineGet(t *testing.T) {
	ctx := context.Background()
	snapshot := snapshotOf("a", "b")

	t.Run("falls back across peers and caches the hit", func(t *testing.T) {
		transport := newFakeTransport()
		replicas := ResponsibleFor("x", snapshot, 2)
		require.Len(t, replicas, 2)
		transport.failing[replicas[0].Name] = true
		transport.seed(replicas[1].Name, "x", `"remote"`)

		engine := testEngine(newFakeMesh(snapshot...), transport)
		defer engine.Close()
		value, err := engine.Get(ctx, "x")
		require.NoError(t, err)
		require.JSONEq(t, `"remote"`, string(value))

		// read-through: now held locally, survives the peers going dark
		transport.failing[replicas[1].Name] = true
		value, err = engine.Get(ctx, "x")
		require.NoError(t, err)
		require.JSONEq(t, `"remote"`, string(value))
	})
	t.Run("exhausting every candidate yields not found", func(t *testing.T) {
		transport := newFakeTransport()
		transport.failing["a"] = true
		transport.failing["b"] = true
		engine := testEngine(newFakeMesh(snapshot...), transport)
		defer engine.Close()
		_, err := engine.Get(ctx, "x")
		require.Equal(t, ErrKeyNotFound, err)
	})
}

func TestEngineDelete(t *testing.T) {
	ctx := context.Background()
	snapshot := snapshotOf("a", "b", "c")
	transport := newFakeTransport()
	replicas := ResponsibleFor("x", snapshot, 2)
	for _, p := range replicas {
		transport.seed(p.Name, "x", `"1"`)
	}
	transport.failing[replicas[0].Name] = true

	engine := testEngine(newFakeMesh(snapshot...), transport)
	defer engine.Close()
	require.NoError(t, engine.Set(ctx, "x", json.RawMessage(`"1"`)))
	require.NoError(t, engine.Delete(ctx, "x"))
	_, held := transport.held(replicas[1].Name, "x")
	require.False(t, held)
	// the unreachable replica keeps its stale copy, by design
	_, held = transport.held(replicas[0].Name, "x")
	require.True(t, held)
}

func TestEngineKeysUnion(t *testing.T) {
	ctx := context.Background()
	snapshot := snapshotOf("a", "b", "c")
	transport := newFakeTransport()
	transport.seed("a", "remote-1", `1`)
	transport.seed("b", "remote-2", `2`)
	transport.seed("b", "shared", `3`)
	transport.failing["c"] = true

	engine := testEngine(newFakeMesh(snapshot...), transport)
	defer engine.Close()
	engine.store.Put("shared", json.RawMessage(`3`))
	engine.store.Put("local-1", json.RawMessage(`4`))

	require.Equal(t, []string{"local-1", "remote-1", "remote-2", "shared"}, engine.Keys(ctx))
}

func TestEngineSyncWithPeer(t *testing.T) {
	ctx := context.Background()
	snapshot := snapshotOf("a", "b")
	transport := newFakeTransport()
	engine := testEngine(newFakeMesh(snapshot...), transport)
	defer engine.Close()

	owned, notOwned := "", ""
	for i := 0; i < 200 && (owned == "" || notOwned == ""); i++ {
		key := fmt.Sprintf("key-%d", i)
		if locallyResponsible(key, "local", snapshot, 2) {
			if owned == "" {
				owned = key
			}
		} else if notOwned == "" {
			notOwned = key
		}
	}
	require.NotEmpty(t, owned)
	require.NotEmpty(t, notOwned)
	transport.seed("a", owned, `"owned"`)
	transport.seed("a", notOwned, `"not-owned"`)
	engine.store.Put("already-held", json.RawMessage(`"old"`))
	transport.seed("a", "already-held", `"new"`)

	engine.syncWithPeer(ctx, snapshot[0])

	value, ok := engine.store.Get(owned)
	require.True(t, ok)
	require.JSONEq(t, `"owned"`, string(value))
	_, ok = engine.store.Get(notOwned)
	require.False(t, ok)
	value, _ = engine.store.Get("already-held")
	require.JSONEq(t, `"old"`, string(value), "sync must not overwrite held keys")
}

func TestEngineRedistribute(t *testing.T) {
	ctx := context.Background()
	departed := peers.Peer{Name: "b", Host: "10.0.0.2", ServicePort: 8123}
	remaining := snapshotOf("a")
	transport := newFakeTransport()
	engine := testEngine(newFakeMesh(remaining...), transport)
	defer engine.Close()
	engine.store.Put("x", json.RawMessage(`"1"`))
	engine.store.Put("y", json.RawMessage(`"2"`))

	engine.redistribute(ctx, departed)

	for _, key := range []string{"x", "y"} {
		value, ok := transport.held("a", key)
		require.True(t, ok, key)
		require.NotEmpty(t, value)
	}
}

func TestEngineReactsToPeerEvents(t *testing.T) {
	snapshot := snapshotOf("a")
	mesh := newFakeMesh(snapshot...)
	transport := newFakeTransport()
	transport.seed("a", "remote-key", `"1"`)
	engine := testEngine(mesh, transport)

	mesh.bus.Emit(events.Event{Kind: events.PeerAdded, Entry: snapshot[0]})
	engine.Close()

	// alone-with-one-peer: every key is locally owned, so the sync pulled it
	value, ok := engine.store.Get("remote-key")
	require.True(t, ok)
	require.JSONEq(t, `"1"`, string(value))
}
