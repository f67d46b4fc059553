package discovery

import (
	"encoding/json"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/vx-labs/cache-mesh/discovery/peers"
	"github.com/vx-labs/cache-mesh/events"
	"github.com/vx-labs/cache-mesh/identity"
)

const (
	defaultAnnounceInterval   = 30 * time.Second
	defaultCleanupInterval    = 60 * time.Second
	defaultStalenessThreshold = 90 * time.Second
)

type Config struct {
	Tenant             string
	Port               int
	AnnounceInterval   time.Duration
	CleanupInterval    time.Duration
	StalenessThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		Port:               4445,
		AnnounceInterval:   defaultAnnounceInterval,
		CleanupInterval:    defaultCleanupInterval,
		StalenessThreshold: defaultStalenessThreshold,
	}
}

// Service is the tenant membership protocol: it announces the local identity
// over the tenant multicast group, tracks every other instance it hears
// from, and evicts peers that stop announcing. The registry it owns never
// contains the local instance.
type Service struct {
	config   Config
	identity identity.Identity
	logger   *zap.Logger
	store    peers.Store
	bus      *events.Bus
	group    net.IP

	mtx     sync.Mutex
	running bool
	conn    *net.UDPConn
	done    chan struct{}
	wg      sync.WaitGroup
}

func New(config Config, id identity.Identity, logger *zap.Logger) (*Service, error) {
	if config.Tenant == "" {
		return nil, errors.New("tenant must not be empty")
	}
	if config.AnnounceInterval == 0 {
		config.AnnounceInterval = defaultAnnounceInterval
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = defaultCleanupInterval
	}
	if config.StalenessThreshold == 0 {
		config.StalenessThreshold = defaultStalenessThreshold
	}
	store, err := peers.NewStore()
	if err != nil {
		return nil, err
	}
	service := &Service{
		config:   config,
		identity: id,
		logger:   logger.With(zap.String("tenant", config.Tenant)),
		store:    store,
		group:    GroupAddress(config.Tenant),
	}
	service.bus = events.NewBus(func(recovered interface{}) {
		service.logger.Error("peer event handler panicked", zap.Any("panic_log", recovered))
	})
	return service, nil
}

// Start binds the discovery socket and launches the announce, cleanup and
// receive loops. Only the bind can fail; the multicast group join and every
// later send are best-effort.
func (s *Service) Start() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.running {
		return errors.New("discovery already started")
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.config.Port})
	if err != nil {
		return errors.Wrap(err, "failed to bind discovery socket")
	}
	s.conn = conn
	s.done = make(chan struct{})

	packetConn := ipv4.NewPacketConn(conn)
	if err := packetConn.JoinGroup(nil, &net.UDPAddr{IP: s.group}); err != nil {
		s.logger.Warn("failed to join multicast group, relying on broadcast fallback",
			zap.String("group_address", s.group.String()), zap.Error(err))
	}
	packetConn.SetMulticastLoopback(true)
	s.enableBroadcast(conn)

	s.logger.Info("discovery started",
		zap.String("group_address", s.group.String()),
		zap.Int("discovery_port", s.config.Port))
	s.running = true

	s.announce()
	s.wg.Add(3)
	go s.announceLoop()
	go s.cleanupLoop()
	go s.receiveLoop()
	return nil
}

// Stop cancels the periodic activities and closes the socket. Safe to call
// once after a successful Start.
func (s *Service) Stop() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.running {
		return
	}
	close(s.done)
	s.conn.Close()
	s.wg.Wait()
	s.running = false
	s.logger.Info("discovery stopped")
}

// Peers returns a point-in-time copy of the registry.
func (s *Service) Peers() []peers.Peer {
	return s.store.All()
}

func (s *Service) PeerCount() int {
	return s.store.Count()
}

// OnPeerEvent registers a handler fired synchronously for every peer
// addition and removal, in registration order.
func (s *Service) OnPeerEvent(h func(events.Event)) events.CancelFunc {
	return s.bus.Subscribe(h)
}

func (s *Service) Health() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.running {
		return "critical"
	}
	return "ok"
}

// Sending to a directed broadcast address requires SO_BROADCAST on Linux.
func (s *Service) enableBroadcast(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		s.logger.Warn("failed to access discovery socket for broadcast setup", zap.Error(err))
		return
	}
	raw.Control(func(fd uintptr) {
		if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1); err != nil {
			s.logger.Warn("failed to enable broadcast on discovery socket", zap.Error(err))
		}
	})
}

func (s *Service) announceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.announce()
		}
	}
}

func (s *Service) announce() {
	payload, err := json.Marshal(Announcement{
		Kind:        MessageKind,
		Tenant:      s.config.Tenant,
		SenderName:  s.identity.Name(),
		SenderIP:    s.identity.ServiceAddress().Host(),
		ServicePort: s.identity.ServiceAddress().Port(),
		SentAt:      time.Now().UnixMilli(),
	})
	if err != nil {
		s.logger.Error("failed to encode announcement", zap.Error(err))
		return
	}
	s.send(payload, &net.UDPAddr{IP: s.group, Port: s.config.Port}, "multicast")
	broadcast, err := identity.SubnetBroadcast()
	if err != nil {
		s.logger.Warn("failed to resolve subnet broadcast address", zap.Error(err))
		return
	}
	s.send(payload, &net.UDPAddr{IP: broadcast, Port: s.config.Port}, "broadcast")
}

func (s *Service) send(payload []byte, to *net.UDPAddr, transport string) {
	if _, err := s.conn.WriteToUDP(payload, to); err != nil {
		messagesSent.WithLabelValues(transport, "error").Inc()
		s.logger.Warn("failed to send announcement",
			zap.String("send_transport", transport),
			zap.String("remote_address", to.String()),
			zap.Error(err))
		return
	}
	messagesSent.WithLabelValues(transport, "success").Inc()
}

func (s *Service) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.logger.Warn("failed to read discovery datagram", zap.Error(err))
				continue
			}
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.handleDatagram(payload, from)
	}
}

// handleDatagram parses one inbound datagram and updates the registry.
// Malformed payloads, foreign tenants and our own announcements are dropped
// without effect: a shared broadcast domain carries unrelated traffic.
func (s *Service) handleDatagram(payload []byte, from *net.UDPAddr) {
	announcement, err := decodeAnnouncement(payload)
	if err != nil {
		messagesReceived.WithLabelValues("malformed").Inc()
		return
	}
	if announcement.Tenant != s.config.Tenant {
		messagesReceived.WithLabelValues("foreign_tenant").Inc()
		return
	}
	if announcement.SenderName == s.identity.Name() {
		messagesReceived.WithLabelValues("self").Inc()
		return
	}
	peer := peers.Peer{
		Name:        announcement.SenderName,
		Host:        announcement.SenderIP,
		ServicePort: announcement.ServicePort,
		LastSeen:    time.Now().UnixNano(),
	}
	if from != nil {
		peer.RemoteAddr = from.String()
	}
	created, err := s.store.Upsert(peer)
	if err != nil {
		messagesReceived.WithLabelValues("error").Inc()
		s.logger.Error("failed to record peer announcement",
			zap.String("peer_name", peer.Name), zap.Error(err))
		return
	}
	if !created {
		messagesReceived.WithLabelValues("refreshed").Inc()
		return
	}
	messagesReceived.WithLabelValues("accepted").Inc()
	peerCount.Set(float64(s.store.Count()))
	s.logger.Info("discovered peer",
		zap.String("peer_name", peer.Name),
		zap.String("peer_address", peer.ServiceAddress()),
		zap.String("remote_address", peer.RemoteAddr))
	s.bus.Emit(events.Event{Kind: events.PeerAdded, Entry: peer})
}

func (s *Service) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.expireStale(time.Now())
		}
	}
}

// expireStale evicts every peer silent for longer than the staleness
// threshold and fires one removal event per eviction. The threshold covers
// three missed announcements, so one or two lost datagrams do not flap
// membership.
func (s *Service) expireStale(now time.Time) {
	removed, err := s.store.Expire(now.Add(-s.config.StalenessThreshold).UnixNano())
	if err != nil {
		s.logger.Error("failed to expire stale peers", zap.Error(err))
		return
	}
	for _, peer := range removed {
		peerCount.Set(float64(s.store.Count()))
		s.logger.Info("removed stale peer",
			zap.String("peer_name", peer.Name),
			zap.Duration("silent_for", now.Sub(time.Unix(0, peer.LastSeen))))
		s.bus.Emit(events.Event{Kind: events.PeerRemoved, Entry: peer})
	}
}
