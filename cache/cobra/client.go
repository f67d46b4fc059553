package cobra

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type client struct {
	api  string
	http *http.Client
}

func getClient(config *viper.Viper) *client {
	return &client{
		api: config.GetString("api"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *client) keyURL(key string) string {
	return fmt.Sprintf("%s/v1/kv/%s", c.api, url.PathEscape(key))
}

func (c *client) Get(key string) (json.RawMessage, error) {
	resp, err := c.http.Get(c.keyURL(key))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNotFound:
		return nil, errors.Errorf("key %q not found", key)
	default:
		return nil, errors.Errorf("unexpected status %q", resp.Status)
	}
}

func (c *client) Set(key string, value []byte) error {
	req, err := http.NewRequest(http.MethodPut, c.keyURL(key), bytes.NewReader(value))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("unexpected status %q", resp.Status)
	}
	return nil
}

func (c *client) Delete(key string) error {
	req, err := http.NewRequest(http.MethodDelete, c.keyURL(key), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("unexpected status %q", resp.Status)
	}
	return nil
}

func (c *client) getJSON(path string, out interface{}) error {
	resp, err := c.http.Get(c.api + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %q", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
