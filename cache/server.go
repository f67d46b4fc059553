package cache

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Server exposes the engine over HTTP: /v1/* is the caller-facing surface,
// /internal/* is the replica-local surface peers call through the transport.
type Server struct {
	engine     *Engine
	logger     *zap.Logger
	listener   net.Listener
	httpServer *http.Server
}

func NewServer(engine *Engine, logger *zap.Logger) *Server {
	return &Server{
		engine: engine,
		logger: logger,
	}
}

func (s *Server) Serve(port int) net.Listener {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		s.logger.Error("failed to bind service listener", zap.Int("service_port", port), zap.Error(err))
		return nil
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler: s.handler(),
	}
	go s.httpServer.Serve(listener)
	return listener
}

func (s *Server) Shutdown() {
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/store/", func(w http.ResponseWriter, r *http.Request) {
		key, ok := keyFromPath(r.URL.EscapedPath(), "/internal/store/")
		if !ok {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodGet:
			value, err := s.engine.ReplicaGet(key)
			if err != nil {
				writeError(w, http.StatusNotFound, "key not found")
				return
			}
			writeValue(w, value)
		case http.MethodPut:
			value, ok := readValue(w, r)
			if !ok {
				return
			}
			s.engine.ReplicaSet(key, value)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			s.engine.ReplicaDelete(key)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/internal/keys", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, keyList{Keys: s.engine.LocalKeys()})
	})
	mux.HandleFunc("/v1/kv/", func(w http.ResponseWriter, r *http.Request) {
		key, ok := keyFromPath(r.URL.EscapedPath(), "/v1/kv/")
		if !ok {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodGet:
			value, err := s.engine.Get(r.Context(), key)
			if err != nil {
				writeError(w, http.StatusNotFound, "key not found")
				return
			}
			writeValue(w, value)
		case http.MethodPut:
			value, ok := readValue(w, r)
			if !ok {
				return
			}
			s.engine.Set(r.Context(), key, value)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			s.engine.Delete(r.Context(), key)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/v1/keys", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, keyList{Keys: s.engine.Keys(r.Context())})
	})
	mux.HandleFunc("/v1/peers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		out := make([]peerRecord, 0)
		for _, p := range s.engine.Peers() {
			out = append(out, peerRecord{
				Name:        p.Name,
				Host:        p.Host,
				ServicePort: p.ServicePort,
				LastSeen:    p.LastSeen,
			})
		}
		writeJSON(w, out)
	})
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, statusRecord{
			Name:           s.engine.config.Name,
			Tenant:         s.engine.config.Tenant,
			LocalStoreSize: s.engine.LocalSize(),
			PeerCount:      len(s.engine.Peers()),
		})
	})
	return mux
}

type peerRecord struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	ServicePort int    `json:"servicePort"`
	LastSeen    int64  `json:"lastSeenEpochNanos"`
}

type statusRecord struct {
	Name           string `json:"name"`
	Tenant         string `json:"tenant"`
	LocalStoreSize int    `json:"localStoreSize"`
	PeerCount      int    `json:"peerCount"`
}

func keyFromPath(path, prefix string) (string, bool) {
	escaped := strings.TrimPrefix(path, prefix)
	if escaped == "" || strings.Contains(escaped, "/") {
		return "", false
	}
	key, err := url.PathUnescape(escaped)
	if err != nil {
		return "", false
	}
	return key, true
}

func readValue(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	decoder := json.NewDecoder(r.Body)
	value := json.RawMessage{}
	if err := decoder.Decode(&value); err != nil {
		http.Error(w, "body must be valid json", http.StatusBadRequest)
		return nil, false
	}
	return value, true
}

func writeValue(w http.ResponseWriter, value json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(value)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
