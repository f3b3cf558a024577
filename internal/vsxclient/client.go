// Package vsxclient is the Status API's client library, the vsxctl
// counterpart to the Supervisor's statusapi.Server - the same
// dial-a-unix-socket-and-speak-HTTP shape the teacher's own libferry
// package uses to talk to ferryd.
package vsxclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/vizstack/vsxd/internal/registry"
)

// Client talks to a Status API server over a UNIX socket.
type Client struct {
	http *http.Client
}

// New returns a Client dialing socketPath for every request.
func New(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
				DisableKeepAlives:     false,
				IdleConnTimeout:       30 * time.Second,
				ExpectContinueTimeout: time.Second,
			},
			Timeout: 10 * time.Second,
		},
	}
}

// Close releases any idle connections.
func (c *Client) Close() {
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

func (c *Client) url(path string) string {
	return "http://unix" + path
}

// List returns every instance the Status API currently knows about.
func (c *Client) List() ([]registry.Record, error) {
	resp, err := c.http.Get(c.url("/v1/instances"))
	if err != nil {
		return nil, fmt.Errorf("vsxclient: list instances: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vsxclient: list instances: server returned %d", resp.StatusCode)
	}
	var recs []registry.Record
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		return nil, fmt.Errorf("vsxclient: decode instance list: %w", err)
	}
	return recs, nil
}

// Status returns the instance record for a single server number.
func (c *Client) Status(serverNumber int) (*registry.Record, error) {
	resp, err := c.http.Get(c.url(fmt.Sprintf("/v1/instances/%d", serverNumber)))
	if err != nil {
		return nil, fmt.Errorf("vsxclient: get instance %d: %w", serverNumber, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("vsxclient: no instance running on display %d", serverNumber)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vsxclient: get instance %d: server returned %d", serverNumber, resp.StatusCode)
	}
	var rec registry.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("vsxclient: decode instance record: %w", err)
	}
	return &rec, nil
}
