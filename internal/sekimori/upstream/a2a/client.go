// Package a2a provides the HTTP JSON-RPC client for remote agents.
//
// Each agent target names a base URL in its config block; the gateway POSTs a
// JSON-RPC 2.0 envelope to it and relays the result.  Timeouts come from the
// queue engine's per-request context, not from the HTTP client.
package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/bdobrica/Sekimori/common/reqid"
	"github.com/bdobrica/Sekimori/internal/sekimori/config"
	"github.com/bdobrica/Sekimori/internal/sekimori/upstream/jsonrpc"
)

// maxResponseBytes bounds how much of an agent response is read.
const maxResponseBytes = 32 << 20

// Client relays JSON-RPC calls to remote agents.  One Client serves all agent
// targets; it holds no per-target state.
type Client struct {
	httpClient *http.Client
	nextID     atomic.Int64
}

// New creates a client using the given http.Client, or a default one when nil.
func New(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{httpClient: hc}
}

// endpoint extracts the agent's URL and optional bearer token from its config
// block.  The container runtime fills in url for image-based agents before
// the registry is built.
func endpoint(target config.Target) (url, token string, err error) {
	url, ok := target.Config["url"].(string)
	if !ok || url == "" {
		return "", "", fmt.Errorf("agent %s: config.url must be a non-empty string", target.ID)
	}
	if raw, ok := target.Config["token"]; ok {
		token, ok = raw.(string)
		if !ok {
			return "", "", fmt.Errorf("agent %s: config.token must be a string", target.ID)
		}
	}
	return url, token, nil
}

// Call sends one JSON-RPC request to the agent behind target.  An agent-side
// JSON-RPC error is returned as a *jsonrpc.Error; transport failures and
// non-JSON-RPC rejections are plain errors.
func (c *Client) Call(ctx context.Context, target config.Target, method string, params json.RawMessage) (json.RawMessage, error) {
	url, token, err := endpoint(target)
	if err != nil {
		return nil, err
	}

	id, _ := json.Marshal(c.nextID.Add(1))
	body, err := json.Marshal(jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if rid := reqid.FromContext(ctx); rid != "" {
		req.Header.Set("X-Request-ID", rid)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", target.ID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("agent %s: read response: %w", target.ID, err)
	}

	// Agents may put a JSON-RPC error envelope on a non-2xx status; prefer
	// the envelope when it parses.
	var rpcResp jsonrpc.Response
	if jsonErr := json.Unmarshal(respBody, &rpcResp); jsonErr == nil {
		if rpcResp.Error != nil {
			return nil, rpcResp.Error
		}
		if resp.StatusCode < 400 {
			return rpcResp.Result, nil
		}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("agent %s: HTTP %d", target.ID, resp.StatusCode)
	}
	return nil, fmt.Errorf("agent %s: unparseable response", target.ID)
}
