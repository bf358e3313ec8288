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

package workspace

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BV-BRC/workflow-engine/internal/config"
	"github.com/BV-BRC/workflow-engine/pkg/errors"
)

func newTestClient(url string) *Client {
	return NewClient(config.WorkspaceConfig{
		URL:     url,
		Timeout: 5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExists(t *testing.T) {
	var captured rpcRequest
	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []any{[]any{[]any{"report.html", "/user@bvbrc/home", "job_result"}}},
		})
	}))
	defer srv.Close()

	exists, err := newTestClient(srv.URL).Exists(context.Background(),
		"/user@bvbrc/home/report.html", "Bearer tok-1")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "tok-1", authHeader)
	assert.Equal(t, "Workspace.get", captured.Method)

	params, ok := captured.Params.([]any)
	require.True(t, ok)
	require.Len(t, params, 1)
	args, ok := params[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, args["metadata_only"])
}

func TestExistsMissingObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": -32603, "message": "_ERROR_Object not found"},
		})
	}))
	defer srv.Close()

	exists, err := newTestClient(srv.URL).Exists(context.Background(), "/user@bvbrc/home/none", "tok")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExistsNullMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []any{[]any{nil}},
		})
	}))
	defer srv.Close()

	exists, err := newTestClient(srv.URL).Exists(context.Background(), "/user@bvbrc/home/none", "tok")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExistsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Exists(context.Background(), "/user@bvbrc/home/x", "tok")
	assert.True(t, errors.IsTransient(err))
}

func TestExistsNoURL(t *testing.T) {
	exists, err := newTestClient("").Exists(context.Background(), "/user@bvbrc/home/x", "tok")
	require.NoError(t, err)
	assert.False(t, exists)
}
