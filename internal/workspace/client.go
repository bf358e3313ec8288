// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workspace queries the BV-BRC workspace service for object
// existence. The compiler uses it to steer clear of output file
// collisions before a workflow ever runs.
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BV-BRC/workflow-engine/internal/config"
	"github.com/BV-BRC/workflow-engine/pkg/errors"
)

// Checker reports whether a workspace object exists.
type Checker interface {
	Exists(ctx context.Context, path, token string) (bool, error)
}

// Client is a JSON-RPC client for the workspace service's metadata
// lookups.
type Client struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds a workspace client from configuration.
func NewClient(cfg config.WorkspaceConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Exists performs a metadata-only Workspace.get for the given path. A
// lookup failure reported by the service means the object is absent;
// transport errors are returned so callers can decide how to degrade.
func (c *Client) Exists(ctx context.Context, path, token string) (bool, error) {
	if c.url == "" {
		return false, nil
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "Workspace.get",
		Params: []any{map[string]any{
			"objects":       []string{path},
			"metadata_only": true,
		}},
	})
	if err != nil {
		return false, errors.Wrap(err, "encoding workspace request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return false, errors.Wrap(err, "building workspace request")
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", strings.TrimPrefix(token, "Bearer "))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, &errors.TransientError{Op: "workspace get", Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, &errors.TransientError{Op: "workspace get", Cause: err}
	}
	if resp.StatusCode >= 500 {
		return false, &errors.TransientError{
			Op:    "workspace get",
			Cause: fmt.Errorf("workspace returned HTTP %d", resp.StatusCode),
		}
	}

	var envelope rpcResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return false, &errors.TransientError{
			Op:    "workspace get",
			Cause: fmt.Errorf("invalid workspace response: %w", err),
		}
	}
	if envelope.Error != nil {
		// The service reports missing objects through the error
		// envelope rather than an empty result.
		c.logger.Debug("workspace object not found", "path", path, "error", envelope.Error.Message)
		return false, nil
	}
	return hasObject(envelope.Result), nil
}

// hasObject reports whether a Workspace.get result actually carries
// metadata. The result shape is [[[meta...]]]; a missing object can
// surface as an empty or null inner entry.
func hasObject(result json.RawMessage) bool {
	var outer []json.RawMessage
	if err := json.Unmarshal(result, &outer); err != nil || len(outer) == 0 {
		return false
	}
	var inner []json.RawMessage
	if err := json.Unmarshal(outer[0], &inner); err != nil || len(inner) == 0 {
		return false
	}
	trimmed := bytes.TrimSpace(inner[0])
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
