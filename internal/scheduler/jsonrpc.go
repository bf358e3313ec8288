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

package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/BV-BRC/workflow-engine/pkg/errors"
)

// contentType is what the scheduler's JSON-RPC endpoint expects; it
// rejects plain application/json.
const contentType = "application/jsonrpc+json"

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

var requestID atomic.Int64

// call performs one JSON-RPC request. The scheduler wants the raw token
// in the Authorization header, so a leading "Bearer " prefix is
// stripped. Transport and decode failures come back as TransientError;
// an RPC error envelope comes back as *rpcError for the caller to map.
func (c *Client) call(ctx context.Context, method string, params any, token string) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding rpc request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building rpc request")
	}
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", strings.TrimPrefix(token, "Bearer "))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &errors.TransientError{Op: method, Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.TransientError{Op: method, Cause: err}
	}
	// The scheduler reports RPC errors with a 5xx status; the envelope
	// wins over the transport code, so decode the body first.
	var envelope rpcResponse
	decodeErr := json.Unmarshal(data, &envelope)
	if decodeErr == nil && envelope.Error != nil {
		return nil, envelope.Error
	}
	if resp.StatusCode >= 500 {
		return nil, &errors.TransientError{
			Op:    method,
			Cause: fmt.Errorf("scheduler returned HTTP %d: %s", resp.StatusCode, truncate(data, 200)),
		}
	}
	if decodeErr != nil {
		return nil, &errors.TransientError{
			Op:    method,
			Cause: fmt.Errorf("invalid rpc response (HTTP %d): %w", resp.StatusCode, decodeErr),
		}
	}
	return envelope.Result, nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
