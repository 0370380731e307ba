// Package agent implements the node-side runtime: registration, heartbeats,
// relay WebSocket links, packet forwarding, and self-healing.
package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bosonmesh/boson/internal/model"
	"github.com/bosonmesh/boson/internal/registry"
)

// Rate-limited registration retries back off separately from ordinary
// failures: start at 10 s, cap at 60 s.
const (
	rateLimitInitialBackoff = 10 * time.Second
	rateLimitMaxBackoff     = 60 * time.Second
)

// RegistrationRequest is the agent's registration payload.
type RegistrationRequest struct {
	NodeID            string             `json:"node_id"`
	PublicKey         string             `json:"public_key"`
	NetworkInfo       model.NetworkInfo  `json:"network_info"`
	Capabilities      model.Capabilities `json:"capabilities"`
	Location          model.Location     `json:"location"`
	HeartbeatInterval int                `json:"heartbeat_interval,omitempty"`
}

// RegistrationResult is the coordinator's registration response.
type RegistrationResult struct {
	NodeID       string   `json:"node_id"`
	Status       string   `json:"status"`
	RelayServers []string `json:"relay_servers"`
	STUNServers  []string `json:"stun_servers"`
	SessionToken string   `json:"session_token"`
	ExpiresAt    int64    `json:"expires_at_ns"`
}

// CoordinatorClient talks to the coordinator's HTTP API.
type CoordinatorClient struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewCoordinatorClient creates a client for the coordinator at baseURL.
func NewCoordinatorClient(baseURL string) *CoordinatorClient {
	return &CoordinatorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SessionToken returns the bearer token from the last registration.
func (c *CoordinatorClient) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *CoordinatorClient) setToken(t string) {
	c.mu.Lock()
	c.token = t
	c.mu.Unlock()
}

// rateLimitedError marks a 429 so the retry loop can back off differently.
type rateLimitedError struct{}

func (rateLimitedError) Error() string { return "coordinator rate limited registration" }

// Register registers the node, retrying with exponential backoff until ctx is
// canceled. 429 responses switch to the slower rate-limit backoff schedule.
func (c *CoordinatorClient) Register(ctx context.Context, req RegistrationRequest) (*RegistrationResult, error) {
	general := backoff.NewExponentialBackOff()
	general.InitialInterval = time.Second
	general.MaxInterval = 30 * time.Second
	general.MaxElapsedTime = 0

	rateLimited := backoff.NewExponentialBackOff()
	rateLimited.InitialInterval = rateLimitInitialBackoff
	rateLimited.MaxInterval = rateLimitMaxBackoff
	rateLimited.MaxElapsedTime = 0

	for {
		result, err := c.registerOnce(ctx, req)
		if err == nil {
			general.Reset()
			rateLimited.Reset()
			return result, nil
		}

		wait := general.NextBackOff()
		if _, is429 := err.(rateLimitedError); is429 {
			wait = rateLimited.NextBackOff()
			log.Printf("[agent] registration rate limited, retrying in %s", wait.Round(time.Second))
		} else {
			log.Printf("[agent] registration failed (%v), retrying in %s", err, wait.Round(time.Second))
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *CoordinatorClient) registerOnce(ctx context.Context, req RegistrationRequest) (*RegistrationResult, error) {
	var result RegistrationResult
	status, err := c.doJSON(ctx, http.MethodPost, "/api/v1/nodes/register", req, &result)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusTooManyRequests:
		return nil, rateLimitedError{}
	case status != http.StatusCreated:
		return nil, fmt.Errorf("register returned %d", status)
	}
	c.setToken(result.SessionToken)
	return &result, nil
}

// Heartbeat sends one heartbeat for nodeID.
func (c *CoordinatorClient) Heartbeat(ctx context.Context, nodeID string, req registry.HeartbeatRequest) (*registry.HeartbeatResponse, error) {
	var resp registry.HeartbeatResponse
	status, err := c.doJSON(ctx, http.MethodPost, "/api/v1/nodes/"+nodeID+"/heartbeat", req, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("heartbeat returned %d", status)
	}
	return &resp, nil
}

// Unregister removes the node's registration.
func (c *CoordinatorClient) Unregister(ctx context.Context, nodeID string) error {
	status, err := c.doJSON(ctx, http.MethodDelete, "/api/v1/nodes/"+nodeID, nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("unregister returned %d", status)
	}
	return nil
}

// SubmitMetrics pushes one metrics sample.
func (c *CoordinatorClient) SubmitMetrics(ctx context.Context, nodeID string, m model.HeartbeatMetrics) error {
	body := struct {
		NodeID  string                 `json:"node_id"`
		Metrics model.HeartbeatMetrics `json:"metrics"`
	}{NodeID: nodeID, Metrics: m}
	status, err := c.doJSON(ctx, http.MethodPost, "/api/v1/metrics", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("metrics submit returned %d", status)
	}
	return nil
}

// SendPacketToClient posts a response packet to the coordinator's return
// path, used when no relay link is attached for the session.
func (c *CoordinatorClient) SendPacketToClient(ctx context.Context, sessionID string, payload []byte) error {
	body := struct {
		SessionID string `json:"session_id"`
		Payload   string `json:"payload"`
	}{SessionID: sessionID, Payload: base64.StdEncoding.EncodeToString(payload)}
	status, err := c.doJSON(ctx, http.MethodPost, "/api/v1/packets", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("packet return path returned %d", status)
	}
	return nil
}

func (c *CoordinatorClient) doJSON(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.SessionToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
