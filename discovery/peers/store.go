package peers

import (
	"net"
	"strconv"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

const (
	peerTable = "peers"
)

var (
	ErrPeerNotFound = errors.New("peer not found")
)

// Peer is the identity of a remote instance, as learnt from its discovery
// announcements. The registry never holds an entry for the local instance.
type Peer struct {
	Name        string
	Host        string
	ServicePort int
	LastSeen    int64
	RemoteAddr  string
}

// ServiceAddress is the host:port peers dial for point-to-point calls.
func (p Peer) ServiceAddress() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.ServicePort))
}

type Store interface {
	ByName(name string) (Peer, error)
	All() []Peer
	Count() int
	Upsert(p Peer) (created bool, err error)
	Delete(name string) error
	Expire(olderThan int64) ([]Peer, error)
}

type memDBStore struct {
	db *memdb.MemDB
}

func NewStore() (*memDBStore, error) {
	db, err := memdb.NewMemDB(&memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			peerTable: {
				Name: peerTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name: "id",
						Indexer: &memdb.StringFieldIndex{
							Field: "Name",
						},
						Unique:       true,
						AllowMissing: false,
					},
				},
			},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create peer table")
	}
	return &memDBStore{db: db}, nil
}

func (m *memDBStore) ByName(name string) (Peer, error) {
	tx := m.db.Txn(false)
	defer tx.Abort()
	data, err := tx.First(peerTable, "id", name)
	if err != nil {
		return Peer{}, err
	}
	if data == nil {
		return Peer{}, ErrPeerNotFound
	}
	return data.(Peer), nil
}

func (m *memDBStore) All() []Peer {
	tx := m.db.Txn(false)
	defer tx.Abort()
	set, err := m.all(tx)
	if err != nil {
		return nil
	}
	return set
}

func (m *memDBStore) Count() int {
	return len(m.All())
}

func (m *memDBStore) all(tx *memdb.Txn) ([]Peer, error) {
	var set []Peer
	iterator, err := tx.Get(peerTable, "id")
	if err != nil {
		return nil, err
	}
	for {
		data := iterator.Next()
		if data == nil {
			return set, nil
		}
		p, ok := data.(Peer)
		if !ok {
			return nil, errors.New("invalid type fetched")
		}
		set = append(set, p)
	}
}

// Upsert inserts p, or refreshes the stored record when the name is already
// known. created reports whether the peer was previously unknown.
func (m *memDBStore) Upsert(p Peer) (bool, error) {
	tx := m.db.Txn(true)
	defer tx.Abort()
	existing, err := tx.First(peerTable, "id", p.Name)
	if err != nil {
		return false, err
	}
	if err := tx.Insert(peerTable, p); err != nil {
		return false, err
	}
	tx.Commit()
	return existing == nil, nil
}

func (m *memDBStore) Delete(name string) error {
	tx := m.db.Txn(true)
	defer tx.Abort()
	data, err := tx.First(peerTable, "id", name)
	if err != nil {
		return err
	}
	if data == nil {
		return ErrPeerNotFound
	}
	if err := tx.Delete(peerTable, data); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

// Expire removes every peer whose LastSeen is strictly older than olderThan
// and returns the removed records.
func (m *memDBStore) Expire(olderThan int64) ([]Peer, error) {
	tx := m.db.Txn(true)
	defer tx.Abort()
	set, err := m.all(tx)
	if err != nil {
		return nil, err
	}
	var removed []Peer
	for _, p := range set {
		if p.LastSeen >= olderThan {
			continue
		}
		if err := tx.Delete(peerTable, p); err != nil {
			return nil, err
		}
		removed = append(removed, p)
	}
	tx.Commit()
	return removed, nil
}
