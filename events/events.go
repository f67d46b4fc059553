package events

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	iradix "github.com/hashicorp/go-immutable-radix"
)

type Kind int

const (
	PeerAdded Kind = iota
	PeerRemoved
)

func (k Kind) String() string {
	switch k {
	case PeerAdded:
		return "peer_added"
	case PeerRemoved:
		return "peer_removed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind  Kind
	Entry interface{}
}

type Handler func(Event)

type CancelFunc func()

// Bus delivers events synchronously to handlers in registration order.
// Subscriptions live in an immutable radix tree swapped in with CAS, so
// Emit never takes a lock and a Subscribe or cancel racing an Emit is safe.
type Bus struct {
	state   *iradix.Tree
	nextKey uint64
	onPanic func(recovered interface{})
}

// NewBus builds a Bus. onPanic is invoked with the recovered value whenever a
// handler panics; one broken handler never aborts delivery to the others or
// unwinds into the emitter. onPanic may be nil.
func NewBus(onPanic func(recovered interface{})) *Bus {
	return &Bus{
		state:   iradix.New(),
		onPanic: onPanic,
	}
}

func (b *Bus) cas(old, new *iradix.Tree) bool {
	statePtr := (*unsafe.Pointer)(unsafe.Pointer(&b.state))
	return atomic.CompareAndSwapPointer(statePtr, unsafe.Pointer(old), unsafe.Pointer(new))
}

// Subscribe registers h and returns a cancel function. Handlers fire in the
// order they were registered: keys are big-endian encoded counters, and the
// radix walk visits them in byte order.
func (b *Bus) Subscribe(h Handler) CancelFunc {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, atomic.AddUint64(&b.nextKey, 1))
	cancel := func() {
		for {
			old := b.state
			new, _, _ := old.Delete(key)
			if b.cas(old, new) {
				return
			}
		}
	}
	for {
		old := b.state
		new, _, _ := old.Insert(key, h)
		if b.cas(old, new) {
			return cancel
		}
	}
}

func (b *Bus) Emit(ev Event) {
	b.state.Root().Walk(func(_ []byte, v interface{}) bool {
		b.dispatch(v.(Handler), ev)
		return false
	})
}

func (b *Bus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil && b.onPanic != nil {
			b.onPanic(r)
		}
	}()
	h(ev)
}
