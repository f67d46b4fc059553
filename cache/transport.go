package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/vx-labs/cache-mesh/discovery/peers"
)

// callTimeout bounds every point-to-point call. A slow peer only delays the
// operations waiting on it, never the whole instance.
const callTimeout = 5 * time.Second

// Transport issues point-to-point calls against one specific peer. It never
// retries: the engine decides whether a failure is worth degrading over.
type Transport interface {
	Get(ctx context.Context, p peers.Peer, key string) (json.RawMessage, error)
	Set(ctx context.Context, p peers.Peer, key string, value json.RawMessage) error
	Delete(ctx context.Context, p peers.Peer, key string) error
	ListKeys(ctx context.Context, p peers.Peer) ([]string, error)
}

type httpTransport struct {
	client *http.Client
}

func NewHTTPTransport() *httpTransport {
	return &httpTransport{
		client: &http.Client{
			Timeout: callTimeout,
		},
	}
}

func storeURL(p peers.Peer, key string) string {
	return fmt.Sprintf("http://%s/internal/store/%s", p.ServiceAddress(), url.PathEscape(key))
}

func (t *httpTransport) Get(ctx context.Context, p peers.Peer, key string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, storeURL(p, key), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create get request")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to call peer %s", p.Name)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read value from peer %s", p.Name)
		}
		return json.RawMessage(body), nil
	case http.StatusNotFound:
		return nil, ErrKeyNotFound
	default:
		return nil, errors.Errorf("unexpected status %q from peer %s", resp.Status, p.Name)
	}
}

func (t *httpTransport) Set(ctx context.Context, p peers.Peer, key string, value json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, storeURL(p, key), bytes.NewReader(value))
	if err != nil {
		return errors.Wrap(err, "failed to create set request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to call peer %s", p.Name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("unexpected status %q from peer %s", resp.Status, p.Name)
	}
	return nil
}

func (t *httpTransport) Delete(ctx context.Context, p peers.Peer, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, storeURL(p, key), nil)
	if err != nil {
		return errors.Wrap(err, "failed to create delete request")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to call peer %s", p.Name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("unexpected status %q from peer %s", resp.Status, p.Name)
	}
	return nil
}

func (t *httpTransport) ListKeys(ctx context.Context, p peers.Peer) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/internal/keys", p.ServiceAddress()), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create list request")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to call peer %s", p.Name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status %q from peer %s", resp.Status, p.Name)
	}
	out := keyList{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrapf(err, "failed to decode key list from peer %s", p.Name)
	}
	return out.Keys, nil
}

type keyList struct {
	Keys []string `json:"keys"`
}
