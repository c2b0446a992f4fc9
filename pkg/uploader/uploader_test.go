// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

package uploader_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/romvault/pkg/store"
	"github.com/LeeDigitalWorks/romvault/pkg/uploader"
	"github.com/LeeDigitalWorks/romvault/pkg/vault"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testProxy hosts a vault server and records every request that reaches it.
// failPart injects 500s for a given part number before letting requests
// through, to exercise the retry path.
type testProxy struct {
	ts  *httptest.Server
	mem *store.MemoryStore

	mu       sync.Mutex
	requests []string // "METHOD /path"

	failPart  int // part number to fail, 0 = none
	failCount int // how many times to fail it
	failed    int
}

func newTestProxy(t *testing.T, cfg vault.Config) *testProxy {
	t.Helper()

	mem := store.NewMemoryStore()
	mem.MinPartSize = 8
	cfg.Store = mem

	srv, err := vault.NewServer(cfg)
	require.NoError(t, err)

	p := &testProxy{mem: mem}
	p.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.requests = append(p.requests, r.Method+" "+r.URL.Path)
		inject := p.failPart > 0 && p.failed < p.failCount &&
			strings.HasPrefix(r.URL.Path, "/mpu/part/") &&
			r.URL.Query().Get("part") == strconv.Itoa(p.failPart)
		if inject {
			p.failed++
		}
		p.mu.Unlock()

		if inject {
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		srv.ServeHTTP(w, r)
	}))
	t.Cleanup(p.ts.Close)
	return p
}

func (p *testProxy) count(method, pathPrefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.requests {
		if strings.HasPrefix(r, method+" "+pathPrefix) {
			n++
		}
	}
	return n
}

func (p *testProxy) client(t *testing.T, cfg uploader.Config) *uploader.Client {
	t.Helper()

	cfg.Endpoint = p.ts.URL
	cfg.HTTPClient = p.ts.Client()
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	c, err := uploader.New(cfg)
	require.NoError(t, err)
	return c
}

// fetch reads the stored object back through the proxy.
func (p *testProxy) fetch(t *testing.T, key string) ([]byte, string) {
	t.Helper()

	resp, err := p.ts.Client().Get(p.ts.URL + "/" + key)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data, resp.Header.Get("Content-Type")
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     uploader.Config
		wantErr bool
	}{
		{
			name:    "missing endpoint",
			cfg:     uploader.Config{},
			wantErr: true,
		},
		{
			name:    "bad scheme",
			cfg:     uploader.Config{Endpoint: "ftp://host"},
			wantErr: true,
		},
		{
			name: "valid",
			cfg:  uploader.Config{Endpoint: "http://host:8080"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, err := uploader.New(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Equal(t, uploader.ErrCodeValidation, uploader.Code(err))
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, c)
		})
	}
}

func TestUploadValidation(t *testing.T) {
	t.Parallel()

	p := newTestProxy(t, vault.Config{})
	c := p.client(t, uploader.Config{})

	_, err := c.Upload(context.Background(), "", strings.NewReader("x"), 1, "")
	assert.Equal(t, uploader.ErrCodeValidation, uploader.Code(err))

	_, err = c.Upload(context.Background(), "k", nil, 1, "")
	assert.Equal(t, uploader.ErrCodeValidation, uploader.Code(err))

	_, err = c.Upload(context.Background(), "k", strings.NewReader("x"), -1, "")
	assert.Equal(t, uploader.ErrCodeValidation, uploader.Code(err))

	// None of these reached the wire
	assert.Empty(t, p.requests)
}

func TestUploadBelowThreshold(t *testing.T) {
	t.Parallel()

	t.Run("small payload takes one put", func(t *testing.T) {
		t.Parallel()

		p := newTestProxy(t, vault.Config{})
		c := p.client(t, uploader.Config{Threshold: 100, ChunkSize: 95, MinChunkSize: 8})

		payload := bytes.Repeat([]byte("r"), 99)
		key, err := c.Upload(context.Background(), "roms/small.nes", bytes.NewReader(payload), 99, "application/x-nes-rom")
		require.NoError(t, err)
		assert.Equal(t, "roms/small.nes", key)

		assert.Equal(t, 1, p.count("PUT", "/roms/small.nes"))
		assert.Equal(t, 0, p.count("POST", "/mpu/"))
		assert.Equal(t, 0, p.count("PUT", "/mpu/"))

		got, contentType := p.fetch(t, "roms/small.nes")
		assert.Empty(t, cmp.Diff(payload, got))
		assert.Equal(t, "application/x-nes-rom", contentType)
	})

	t.Run("zero-length payload takes one put", func(t *testing.T) {
		t.Parallel()

		p := newTestProxy(t, vault.Config{})
		c := p.client(t, uploader.Config{Threshold: 100, ChunkSize: 95, MinChunkSize: 8})

		key, err := c.Upload(context.Background(), "roms/empty.bin", bytes.NewReader(nil), 0, "")
		require.NoError(t, err)
		assert.Equal(t, "roms/empty.bin", key)
		assert.Equal(t, 1, p.count("PUT", "/roms/empty.bin"))
		assert.Equal(t, 0, p.count("POST", "/mpu/"))
	})
}

func TestUploadMultipart(t *testing.T) {
	t.Parallel()

	t.Run("chunking matches ceil(size/chunk)", func(t *testing.T) {
		t.Parallel()

		p := newTestProxy(t, vault.Config{})

		// 250 bytes at chunk 95 splits 95/95/60
		payload := make([]byte, 250)
		for i := range payload {
			payload[i] = byte(i)
		}

		var progress []int
		var mu sync.Mutex
		c := p.client(t, uploader.Config{
			Threshold: 100, ChunkSize: 95, MinChunkSize: 8,
			Progress: func(completed, total int) {
				mu.Lock()
				progress = append(progress, completed)
				assert.Equal(t, 3, total)
				mu.Unlock()
			},
		})

		key, err := c.Upload(context.Background(), "roms/big.iso", bytes.NewReader(payload), 250, "application/octet-stream")
		require.NoError(t, err)
		assert.Equal(t, "roms/big.iso", key)

		assert.Equal(t, 1, p.count("POST", "/mpu/create/roms/big.iso"))
		assert.Equal(t, 3, p.count("PUT", "/mpu/part/roms/big.iso"))
		assert.Equal(t, 1, p.count("POST", "/mpu/complete/roms/big.iso"))
		assert.Equal(t, 0, p.count("DELETE", "/mpu/abort/"))

		got, _ := p.fetch(t, "roms/big.iso")
		assert.Empty(t, cmp.Diff(payload, got))

		assert.Equal(t, []int{1, 2, 3}, progress)
	})

	t.Run("size equal to threshold goes multipart", func(t *testing.T) {
		t.Parallel()

		p := newTestProxy(t, vault.Config{})
		c := p.client(t, uploader.Config{Threshold: 100, ChunkSize: 95, MinChunkSize: 8})

		payload := bytes.Repeat([]byte("z"), 100)
		_, err := c.Upload(context.Background(), "roms/edge.iso", bytes.NewReader(payload), 100, "")
		require.NoError(t, err)

		assert.Equal(t, 1, p.count("POST", "/mpu/create/"))
		assert.Equal(t, 2, p.count("PUT", "/mpu/part/"))

		got, _ := p.fetch(t, "roms/edge.iso")
		assert.Empty(t, cmp.Diff(payload, got))
	})

	t.Run("concurrent parts round-trip", func(t *testing.T) {
		t.Parallel()

		p := newTestProxy(t, vault.Config{})
		c := p.client(t, uploader.Config{Threshold: 50, ChunkSize: 16, MinChunkSize: 8, Concurrency: 4})

		payload := make([]byte, 1000)
		for i := range payload {
			payload[i] = byte(i % 251)
		}

		_, err := c.Upload(context.Background(), "roms/parallel.iso", bytes.NewReader(payload), 1000, "")
		require.NoError(t, err)

		assert.Equal(t, 63, p.count("PUT", "/mpu/part/"))
		got, _ := p.fetch(t, "roms/parallel.iso")
		assert.Empty(t, cmp.Diff(payload, got))
	})
}

func TestUploadRetriesTransientPartFailure(t *testing.T) {
	t.Parallel()

	p := newTestProxy(t, vault.Config{})
	p.failPart = 2
	p.failCount = 1

	c := p.client(t, uploader.Config{Threshold: 100, ChunkSize: 95, MinChunkSize: 8})

	payload := bytes.Repeat([]byte("q"), 250)
	_, err := c.Upload(context.Background(), "roms/flaky.iso", bytes.NewReader(payload), 250, "")
	require.NoError(t, err)

	// 3 parts plus one retried attempt
	assert.Equal(t, 4, p.count("PUT", "/mpu/part/"))
	assert.Equal(t, 1, p.count("POST", "/mpu/complete/"))
	assert.Equal(t, 0, p.count("DELETE", "/mpu/abort/"))

	got, _ := p.fetch(t, "roms/flaky.iso")
	assert.Empty(t, cmp.Diff(payload, got))
}

func TestUploadAbortsOnRetryExhaustion(t *testing.T) {
	t.Parallel()

	p := newTestProxy(t, vault.Config{})
	p.failPart = 2
	p.failCount = 100 // every attempt fails

	c := p.client(t, uploader.Config{Threshold: 100, ChunkSize: 95, MinChunkSize: 8, MaxAttempts: 3})

	payload := bytes.Repeat([]byte("q"), 250)
	_, err := c.Upload(context.Background(), "roms/doomed.iso", bytes.NewReader(payload), 250, "")
	require.Error(t, err)
	assert.Equal(t, uploader.ErrCodeBackend, uploader.Code(err))

	// Part 2 was attempted MaxAttempts times, then the session was aborted
	// without ever completing.
	assert.Equal(t, 0, p.count("POST", "/mpu/complete/"))
	assert.Equal(t, 1, p.count("DELETE", "/mpu/abort/roms/doomed.iso"))
	assert.Equal(t, 0, p.mem.SessionCount())
}

func TestUploadAbortsOnShortPayload(t *testing.T) {
	t.Parallel()

	p := newTestProxy(t, vault.Config{})
	c := p.client(t, uploader.Config{Threshold: 100, ChunkSize: 95, MinChunkSize: 8})

	// Declared 250 bytes but the reader only yields 120
	payload := bytes.Repeat([]byte("s"), 120)
	_, err := c.Upload(context.Background(), "roms/short.iso", bytes.NewReader(payload), 250, "")
	require.Error(t, err)
	assert.Equal(t, uploader.ErrCodeValidation, uploader.Code(err))

	assert.Equal(t, 0, p.count("POST", "/mpu/complete/"))
	assert.Equal(t, 1, p.count("DELETE", "/mpu/abort/"))
	assert.Equal(t, 0, p.mem.SessionCount())
}

func TestUploadWithSharedSecret(t *testing.T) {
	t.Parallel()

	t.Run("secret accepted", func(t *testing.T) {
		t.Parallel()

		p := newTestProxy(t, vault.Config{RequireAuth: true, Secret: "hunter2"})
		c := p.client(t, uploader.Config{Threshold: 100, ChunkSize: 95, MinChunkSize: 8, Secret: "hunter2"})

		payload := bytes.Repeat([]byte("a"), 250)
		_, err := c.Upload(context.Background(), "roms/auth.iso", bytes.NewReader(payload), 250, "")
		require.NoError(t, err)

		req, err := http.NewRequest("GET", p.ts.URL+"/roms/auth.iso", nil)
		require.NoError(t, err)
		req.Header.Set(vault.DefaultAuthHeader, "hunter2")
		resp, err := p.ts.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		got, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(payload, got))
	})

	t.Run("missing secret rejected without retry storm", func(t *testing.T) {
		t.Parallel()

		p := newTestProxy(t, vault.Config{RequireAuth: true, Secret: "hunter2"})
		c := p.client(t, uploader.Config{Threshold: 100, ChunkSize: 95, MinChunkSize: 8})

		_, err := c.Upload(context.Background(), "roms/denied.iso", strings.NewReader("x"), 1, "")
		require.Error(t, err)
		assert.Equal(t, uploader.ErrCodeBackend, uploader.Code(err))
		assert.Equal(t, 1, p.count("PUT", "/roms/denied.iso"))
	})
}

func TestUploadCancelledContextStillAborts(t *testing.T) {
	t.Parallel()

	p := newTestProxy(t, vault.Config{})
	p.failPart = 2
	p.failCount = 100

	c := p.client(t, uploader.Config{
		Threshold: 100, ChunkSize: 95, MinChunkSize: 8,
		MaxAttempts: 2, BackoffBase: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	payload := bytes.Repeat([]byte("c"), 250)
	_, err := c.Upload(ctx, "roms/cancelled.iso", bytes.NewReader(payload), 250, "")
	require.Error(t, err)

	// Abort runs on a detached context, so cleanup happens even though the
	// upload's own context is gone.
	assert.Equal(t, 0, p.mem.SessionCount())
}
