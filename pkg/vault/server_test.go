// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/LeeDigitalWorks/romvault/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *store.MemoryStore) {
	t.Helper()

	mem := store.NewMemoryStore()
	mem.MinPartSize = 8
	cfg.Store = mem

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return srv, mem
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		cfg         Config
		wantErr     bool
		errContains string
	}{
		{
			name:        "missing store returns error",
			cfg:         Config{},
			wantErr:     true,
			errContains: "Store is required",
		},
		{
			name:        "auth without secret returns error",
			cfg:         Config{Store: store.NewMemoryStore(), RequireAuth: true},
			wantErr:     true,
			errContains: "Secret is required",
		},
		{
			name: "valid config succeeds",
			cfg:  Config{Store: store.NewMemoryStore()},
		},
		{
			name: "valid config with auth succeeds",
			cfg:  Config{Store: store.NewMemoryStore(), RequireAuth: true, Secret: "hunter2"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv, err := NewServer(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
				if tc.errContains != "" {
					assert.Contains(t, err.Error(), tc.errContains)
				}
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, srv)
		})
	}
}

func TestSharedSecretAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		header         string
		value          string
		expectedStatus int
	}{
		{
			name:           "missing secret rejected",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "wrong secret rejected",
			header:         DefaultAuthHeader,
			value:          "wrong",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "correct secret accepted",
			header:         DefaultAuthHeader,
			value:          "hunter2",
			expectedStatus: http.StatusOK,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv, _ := newTestServer(t, Config{RequireAuth: true, Secret: "hunter2"})

			req := httptest.NewRequest("PUT", "/roms/test.nes", strings.NewReader("data"))
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			w := httptest.NewRecorder()

			srv.ServeHTTP(w, req)
			assert.Equal(t, tc.expectedStatus, w.Code)
		})
	}
}

func TestAuthRejectsBeforeStorage(t *testing.T) {
	t.Parallel()

	srv, mem := newTestServer(t, Config{RequireAuth: true, Secret: "hunter2"})

	req := httptest.NewRequest("PUT", "/roms/test.nes", strings.NewReader("data"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)

	// Nothing reached the store
	infos, err := mem.List(req.Context(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestCustomAuthHeader(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{RequireAuth: true, Secret: "s3cret", AuthHeader: "X-Vault-Token"})

	req := httptest.NewRequest("PUT", "/k", strings.NewReader("v"))
	req.Header.Set("X-Vault-Token", "s3cret")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUsageDocument(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{name: "post to object path", method: "POST", path: "/roms/test.nes"},
		{name: "wrong method on create", method: "GET", path: "/mpu/create/roms/test.nes"},
		{name: "wrong method on part", method: "POST", path: "/mpu/part/roms/test.nes?uploadId=u&part=1"},
		{name: "unknown mpu op", method: "POST", path: "/mpu/resume/roms/test.nes"},
		{name: "delete root", method: "DELETE", path: "/"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv, _ := newTestServer(t, Config{})

			req := httptest.NewRequest(tc.method, tc.path, nil)
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)

			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
			assert.Contains(t, w.Body.String(), "upload proxy")
		})
	}
}

func TestRegisterMetrics(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{})
	reg := prometheus.NewRegistry()
	require.NoError(t, srv.RegisterMetrics(reg))

	// Serve one request so counters have samples
	req := httptest.NewRequest("PUT", "/roms/metrics.nes", strings.NewReader("data"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRejectsTraversalKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{name: "put object", method: "PUT", path: "/../escape.txt"},
		{name: "get object", method: "GET", path: "/roms/../../escape.txt"},
		{name: "delete object", method: "DELETE", path: "/../../escape.txt"},
		{name: "mpu create", method: "POST", path: "/mpu/create/../escape.txt"},
		{name: "mpu part", method: "PUT", path: "/mpu/part/../escape.txt?uploadId=u&part=1"},
		{name: "mpu complete", method: "POST", path: "/mpu/complete/../escape.txt?uploadId=u"},
		{name: "mpu abort", method: "DELETE", path: "/mpu/abort/../escape.txt?uploadId=u"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// The server sits directly on the listener, so traversal
			// segments arrive uncleaned.
			srv, mem := newTestServer(t, Config{})

			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader("payload"))
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "invalid key")

			// Nothing reached storage
			infos, err := mem.List(req.Context(), "", 0)
			require.NoError(t, err)
			assert.Empty(t, infos)
			assert.Equal(t, 0, mem.SessionCount())
		})
	}
}
