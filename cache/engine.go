package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vx-labs/cache-mesh/cache/store"
	"github.com/vx-labs/cache-mesh/discovery/peers"
	"github.com/vx-labs/cache-mesh/events"
)

var ErrKeyNotFound = errors.New("key not found")

// PeerSource is the slice of the membership protocol the engine consumes:
// registry snapshots and join/leave notifications.
type PeerSource interface {
	Peers() []peers.Peer
	OnPeerEvent(func(events.Event)) events.CancelFunc
}

type Config struct {
	Name              string
	Tenant            string
	ReplicationFactor int
}

func DefaultConfig() Config {
	return Config{
		ReplicationFactor: 2,
	}
}

// Engine is the replicated cache: it owns the local store, decides which
// peers must hold a copy of each key, and drives the transport to replicate
// writes and fetch remotely-owned keys. Replication is best-effort with no
// conflict resolution: concurrent writers to the same key on different
// instances can leave replicas diverged, and that is a documented property
// of the system, not something the engine papers over.
type Engine struct {
	config       Config
	logger       *zap.Logger
	store        *store.Store
	mesh         PeerSource
	transport    Transport
	cancelEvents events.CancelFunc
	wg           sync.WaitGroup
}

func New(config Config, logger *zap.Logger, mesh PeerSource, transport Transport) *Engine {
	if config.ReplicationFactor <= 0 {
		config.ReplicationFactor = 2
	}
	e := &Engine{
		config:    config,
		logger:    logger.With(zap.String("tenant", config.Tenant)),
		store:     store.New(),
		mesh:      mesh,
		transport: transport,
	}
	e.cancelEvents = mesh.OnPeerEvent(e.handlePeerEvent)
	return e
}

// Close detaches the engine from peer events and waits for in-flight sync
// and redistribution work to finish.
func (e *Engine) Close() {
	e.cancelEvents()
	e.wg.Wait()
}

// Get serves key from the local store, or read-through from the responsible
// peers, tried in order until one returns a value. Individual peer failures
// are logged and skipped; only exhausting every candidate yields not-found.
func (e *Engine) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if value, ok := e.store.Get(key); ok {
		operations.WithLabelValues("get", "hit").Inc()
		return value, nil
	}
	for _, p := range ResponsibleFor(key, e.mesh.Peers(), e.config.ReplicationFactor) {
		value, err := e.transport.Get(ctx, p, key)
		if err != nil {
			if errors.Cause(err) != ErrKeyNotFound {
				e.logger.Debug("failed to fetch key from peer",
					zap.String("key", key),
					zap.String("peer_name", p.Name),
					zap.Error(err))
			}
			continue
		}
		e.store.Put(key, value)
		operations.WithLabelValues("get", "remote_hit").Inc()
		return value, nil
	}
	operations.WithLabelValues("get", "miss").Inc()
	return nil, ErrKeyNotFound
}

// Set writes key locally, then replicates it to every responsible peer
// concurrently. It returns once the local write plus at least one remote
// acknowledgement have landed; the remaining replications keep running
// and their failures are logged, not surfaced. A write never fails as long
// as the local store accepted it, even with every peer unreachable.
func (e *Engine) Set(ctx context.Context, key string, value json.RawMessage) error {
	e.store.Put(key, value)
	operations.WithLabelValues("set", "success").Inc()
	replicas := ResponsibleFor(key, e.mesh.Peers(), e.config.ReplicationFactor)
	if len(replicas) == 0 {
		return nil
	}
	acked := make(chan error, len(replicas))
	for _, p := range replicas {
		p := p
		go func() {
			// replication deliberately outlives the caller's request
			err := e.transport.Set(context.Background(), p, key, value)
			if err != nil {
				replications.WithLabelValues("set", "error").Inc()
				e.logger.Warn("failed to replicate key to peer",
					zap.String("key", key),
					zap.String("peer_name", p.Name),
					zap.Error(err))
			} else {
				replications.WithLabelValues("set", "success").Inc()
			}
			acked <- err
		}()
	}
	for i := 0; i < len(replicas); i++ {
		if err := <-acked; err == nil {
			return nil
		}
	}
	e.logger.Warn("no replica acknowledged write", zap.String("key", key))
	return nil
}

// Delete removes key locally and best-effort deletes it from every
// responsible peer, waiting for all attempts to settle. No individual peer
// failure fails the delete.
func (e *Engine) Delete(ctx context.Context, key string) error {
	e.store.Delete(key)
	operations.WithLabelValues("delete", "success").Inc()
	replicas := ResponsibleFor(key, e.mesh.Peers(), e.config.ReplicationFactor)
	wg := sync.WaitGroup{}
	for _, p := range replicas {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.transport.Delete(ctx, p, key); err != nil {
				replications.WithLabelValues("delete", "error").Inc()
				e.logger.Warn("failed to delete key on peer",
					zap.String("key", key),
					zap.String("peer_name", p.Name),
					zap.Error(err))
				return
			}
			replications.WithLabelValues("delete", "success").Inc()
		}()
	}
	wg.Wait()
	return nil
}

// Keys returns the union of the local keys and every known peer's keys.
// A peer that fails to answer simply does not contribute.
func (e *Engine) Keys(ctx context.Context) []string {
	merged := map[string]struct{}{}
	for _, key := range e.store.Keys() {
		merged[key] = struct{}{}
	}
	mtx := sync.Mutex{}
	wg := sync.WaitGroup{}
	for _, p := range e.mesh.Peers() {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys, err := e.transport.ListKeys(ctx, p)
			if err != nil {
				e.logger.Warn("failed to list keys on peer",
					zap.String("peer_name", p.Name),
					zap.Error(err))
				return
			}
			mtx.Lock()
			defer mtx.Unlock()
			for _, key := range keys {
				merged[key] = struct{}{}
			}
		}()
	}
	wg.Wait()
	out := make([]string, 0, len(merged))
	for key := range merged {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Peers exposes the current registry snapshot to the front end.
func (e *Engine) Peers() []peers.Peer {
	return e.mesh.Peers()
}

// LocalKeys and LocalSize describe the local store only; they back the
// replica-facing surface and the status endpoint.
func (e *Engine) LocalKeys() []string {
	return e.store.Keys()
}

func (e *Engine) LocalSize() int {
	return e.store.Size()
}

// ReplicaGet, ReplicaSet and ReplicaDelete are the operations a peer invokes
// on this instance. They touch the local store only: replicating a
// replication would loop.
func (e *Engine) ReplicaGet(key string) (json.RawMessage, error) {
	value, ok := e.store.Get(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

func (e *Engine) ReplicaSet(key string, value json.RawMessage) {
	e.store.Put(key, value)
}

func (e *Engine) ReplicaDelete(key string) {
	e.store.Delete(key)
}

func (e *Engine) handlePeerEvent(ev events.Event) {
	p, ok := ev.Entry.(peers.Peer)
	if !ok {
		return
	}
	switch ev.Kind {
	case events.PeerAdded:
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.syncWithPeer(context.Background(), p)
		}()
	case events.PeerRemoved:
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.redistribute(context.Background(), p)
		}()
	}
}

// syncWithPeer pulls from a newly discovered peer every key this instance is
// now responsible for but does not hold. The initial key list fetch retries
// with backoff: the peer was just discovered and its listener may lag its
// first announcement. Individual key fetches are best-effort.
func (e *Engine) syncWithPeer(ctx context.Context, p peers.Peer) {
	logger := e.logger.With(zap.String("peer_name", p.Name))
	var keys []string
	count := 0
	err := backoff.Retry(func() error {
		var err error
		keys, err = e.transport.ListKeys(ctx, p)
		if err != nil {
			if count >= 5 {
				return backoff.Permanent(err)
			}
			count++
		}
		return err
	}, backoff.NewExponentialBackOff())
	if err != nil {
		logger.Warn("failed to fetch key list from new peer", zap.Error(err))
		return
	}
	snapshot := e.mesh.Peers()
	fetched := 0
	for _, key := range keys {
		if _, ok := e.store.Get(key); ok {
			continue
		}
		if !locallyResponsible(key, e.config.Name, snapshot, e.config.ReplicationFactor) {
			continue
		}
		value, err := e.transport.Get(ctx, p, key)
		if err != nil {
			logger.Debug("failed to fetch key during sync", zap.String("key", key), zap.Error(err))
			continue
		}
		e.store.Put(key, value)
		fetched++
	}
	logger.Info("completed sync with new peer",
		zap.Int("peer_key_count", len(keys)),
		zap.Int("fetched_key_count", fetched))
}

// redistribute restores replication coverage after a peer left: every local
// key whose responsibility set shrank below the replication factor is pushed
// to the peers that remain in it. This cannot resurrect a replica that lived
// only on the departed peer.
func (e *Engine) redistribute(ctx context.Context, departed peers.Peer) {
	snapshot := e.mesh.Peers()
	pushed := 0
	for _, entry := range e.store.Entries() {
		replicas := ResponsibleFor(entry.Key, snapshot, e.config.ReplicationFactor)
		if len(replicas) >= e.config.ReplicationFactor {
			continue
		}
		for _, p := range replicas {
			if err := e.transport.Set(ctx, p, entry.Key, entry.Value); err != nil {
				replications.WithLabelValues("redistribute", "error").Inc()
				e.logger.Warn("failed to redistribute key",
					zap.String("key", entry.Key),
					zap.String("peer_name", p.Name),
					zap.Error(err))
				continue
			}
			replications.WithLabelValues("redistribute", "success").Inc()
			pushed++
		}
	}
	e.logger.Info("completed redistribution after peer loss",
		zap.String("peer_name", departed.Name),
		zap.Int("pushed_key_count", pushed))
}
