// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

// Package uploader is the client side of the vault upload proxy. It picks
// a single-shot PUT or the multipart protocol based on payload size, retries
// failed part uploads with backoff, and aborts the session on failure so no
// orphaned parts are left behind.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/romvault/pkg/logger"
	"github.com/LeeDigitalWorks/romvault/pkg/types"
	"github.com/LeeDigitalWorks/romvault/pkg/utils"
	"github.com/LeeDigitalWorks/romvault/pkg/vault"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// DefaultThreshold is the size at and above which uploads go multipart.
	DefaultThreshold = 100 * 1024 * 1024

	// DefaultChunkSize is the per-part size for multipart uploads.
	DefaultChunkSize = 95 * 1024 * 1024

	// MinChunkSize is the smallest allowed non-final part. Backends reject
	// undersized non-final parts, so the client clamps to this floor.
	MinChunkSize = 5 * 1024 * 1024

	DefaultMaxAttempts = 3
	DefaultBackoffBase = 500 * time.Millisecond

	backoffJitter = 0.2
	abortTimeout  = 10 * time.Second
)

// ProgressFunc receives the number of completed parts out of the total.
// With Concurrency > 1 it may be called from multiple goroutines.
type ProgressFunc func(completed, total int)

// Config holds configuration for the upload client.
type Config struct {
	// Endpoint is the base URL of the vault server, e.g. "http://vault:8080".
	Endpoint string

	// HTTPClient overrides the default client (5 minute timeout).
	HTTPClient *http.Client

	// Threshold is the multipart cutover; sizes below it take a single PUT.
	Threshold int64

	// ChunkSize is the per-part size, clamped up to MinChunkSize.
	ChunkSize int64

	// MinChunkSize overrides the part size floor. Zero means the default.
	MinChunkSize int64

	// MaxAttempts bounds attempts per part upload. Create, complete and
	// abort are never retried.
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt with
	// jitter applied.
	BackoffBase time.Duration

	// Concurrency bounds parallel part uploads. Zero or one is sequential.
	Concurrency int

	// PartsPerSec paces part uploads. Zero means unlimited.
	PartsPerSec float64

	// AuthHeader and Secret gate requests when the proxy requires a shared
	// secret. AuthHeader defaults to the proxy's default header.
	AuthHeader string
	Secret     string

	// Progress, when set, is invoked after each completed part.
	Progress ProgressFunc
}

// Client uploads payloads through a vault server.
type Client struct {
	endpoint    *url.URL
	httpClient  *http.Client
	threshold   int64
	chunkSize   int64
	maxAttempts int
	backoffBase time.Duration
	concurrency int
	limiter     *rate.Limiter
	authHeader  string
	secret      string
	progress    ProgressFunc
}

// New creates an upload client from the given configuration.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, validationError("Endpoint is required")
	}
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, &Error{Code: ErrCodeValidation, Message: "invalid endpoint", Err: err}
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, validationError("endpoint must be http or https")
	}

	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	minChunk := cfg.MinChunkSize
	if minChunk <= 0 {
		minChunk = MinChunkSize
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize < minChunk {
		cfg.ChunkSize = minChunk
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = vault.DefaultAuthHeader
	}

	var limiter *rate.Limiter
	if cfg.PartsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PartsPerSec), 1)
	}

	return &Client{
		endpoint:    endpoint,
		httpClient:  cfg.HTTPClient,
		threshold:   cfg.Threshold,
		chunkSize:   cfg.ChunkSize,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		concurrency: cfg.Concurrency,
		limiter:     limiter,
		authHeader:  cfg.AuthHeader,
		secret:      cfg.Secret,
		progress:    cfg.Progress,
	}, nil
}

// Upload stores payload under key and returns the key on success. Payloads
// below the threshold take one atomic PUT; larger ones go through the
// multipart protocol with per-part retries and an abort on failure. The
// caller declares size up front; payload must yield at least that many bytes.
func (c *Client) Upload(ctx context.Context, key string, payload io.Reader, size int64, contentType string) (string, error) {
	if key == "" {
		return "", validationError("key is required")
	}
	if payload == nil {
		return "", validationError("payload is required")
	}
	if size < 0 {
		return "", validationError("size must be non-negative")
	}

	if size < c.threshold {
		return c.uploadSimple(ctx, key, payload, size, contentType)
	}
	return c.uploadMultipart(ctx, key, payload, size, contentType)
}

// uploadSimple performs a single PUT. No partial-success state exists on
// this path.
func (c *Client) uploadSimple(ctx context.Context, key string, payload io.Reader, size int64, contentType string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPut, key, nil, payload)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", backendError("put object failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", backendError("put object rejected", httpError(resp))
	}

	logger.Ctx(ctx).Debug().
		Str("key", key).
		Int64("size", size).
		Msg("object uploaded")
	return key, nil
}

func (c *Client) uploadMultipart(ctx context.Context, key string, payload io.Reader, size int64, contentType string) (string, error) {
	uploadID, err := c.createUpload(ctx, key, contentType)
	if err != nil {
		return "", err
	}

	total := int((size + c.chunkSize - 1) / c.chunkSize)

	logger.Ctx(ctx).Debug().
		Str("key", key).
		Str("upload_id", uploadID).
		Int64("size", size).
		Int("parts", total).
		Msg("multipart upload started")

	etags, err := c.uploadParts(ctx, key, uploadID, payload, size, total)
	if err != nil {
		return "", c.abortOnFailure(ctx, key, uploadID, err)
	}

	parts := make([]types.PartDescriptor, 0, total)
	for n := 1; n <= total; n++ {
		parts = append(parts, types.PartDescriptor{PartNumber: n, ETag: etags[n]})
	}
	types.SortParts(parts)
	if !types.ValidatePartSequence(parts) {
		seqErr := &Error{Code: ErrCodeInvalidPartSequence, Message: "part list is not contiguous"}
		return "", c.abortOnFailure(ctx, key, uploadID, seqErr)
	}

	if err := c.completeUpload(ctx, key, uploadID, parts); err != nil {
		return "", c.abortOnFailure(ctx, key, uploadID, err)
	}

	logger.Ctx(ctx).Info().
		Str("key", key).
		Str("upload_id", uploadID).
		Int("parts", total).
		Msg("multipart upload completed")
	return key, nil
}

// uploadParts reads the payload chunk by chunk and uploads parts with
// bounded concurrency. Reads are sequential; only the network side fans out.
func (c *Client) uploadParts(ctx context.Context, key, uploadID string, payload io.Reader, size int64, total int) ([]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	var (
		mu    sync.Mutex
		etags = make([]string, total+1)
		done  atomic.Int64
	)

	var readErr error
	for part := 1; part <= total; part++ {
		remaining := size - int64(part-1)*c.chunkSize
		n := c.chunkSize
		if remaining < n {
			n = remaining
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(payload, buf); err != nil {
			readErr = &Error{Code: ErrCodeValidation, Message: "payload shorter than declared size", Err: err}
			break
		}

		if gctx.Err() != nil {
			break
		}

		part := part
		g.Go(func() error {
			if c.limiter != nil {
				if err := c.limiter.Wait(gctx); err != nil {
					return err
				}
			}
			etag, err := c.putPart(gctx, key, uploadID, part, buf)
			if err != nil {
				return err
			}
			mu.Lock()
			etags[part] = etag
			mu.Unlock()
			if c.progress != nil {
				c.progress(int(done.Add(1)), total)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, asUploadError(err)
	}
	if readErr != nil {
		return nil, readErr
	}
	return etags, nil
}

// putPart uploads one part, retrying transient failures with exponential
// backoff and jitter. The returned etag is the backend's token for the
// newest bytes at this part number; re-uploads supersede earlier etags.
func (c *Client) putPart(ctx context.Context, key, uploadID string, part int, data []byte) (string, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := utils.Jitter(utils.Backoff(attempt-1, c.backoffBase, 0), backoffJitter)
			logger.Ctx(ctx).Warn().Err(lastErr).
				Str("key", key).
				Int("part_number", part).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying part upload")
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		etag, retryable, err := c.doPutPart(ctx, key, uploadID, part, data)
		if err == nil {
			return etag, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return "", backendError(fmt.Sprintf("part %d failed after retries", part), lastErr)
}

func (c *Client) doPutPart(ctx context.Context, key, uploadID string, part int, data []byte) (etag string, retryable bool, err error) {
	query := url.Values{}
	query.Set("uploadId", uploadID)
	query.Set("part", strconv.Itoa(part))

	req, err := c.newRequest(ctx, http.MethodPut, "mpu/part/"+key, query, bytes.NewReader(data))
	if err != nil {
		return "", false, err
	}
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors are worth another attempt
		return "", true, err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", resp.StatusCode >= 500, httpError(resp)
	}

	var body struct {
		Part int    `json:"part"`
		ETag string `json:"etag"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", true, fmt.Errorf("malformed part response: %w", err)
	}
	if body.ETag == "" {
		return "", true, errors.New("part response missing etag")
	}
	return body.ETag, false, nil
}

func (c *Client) createUpload(ctx context.Context, key, contentType string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "mpu/create/"+key, nil, nil)
	if err != nil {
		return "", err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", backendError("create upload failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", backendError("create upload rejected", httpError(resp))
	}

	var body struct {
		UploadID string `json:"uploadId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", backendError("malformed create response", err)
	}
	if body.UploadID == "" {
		return "", backendError("create response missing uploadId", nil)
	}
	return body.UploadID, nil
}

func (c *Client) completeUpload(ctx context.Context, key, uploadID string, parts []types.PartDescriptor) error {
	payload, err := json.Marshal(map[string]any{"parts": parts})
	if err != nil {
		return backendError("encode complete request", err)
	}

	query := url.Values{}
	query.Set("uploadId", uploadID)

	req, err := c.newRequest(ctx, http.MethodPost, "mpu/complete/"+key, query, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return backendError("complete upload failed", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return backendError("complete upload rejected", httpError(resp))
	}
	return nil
}

func (c *Client) abortUpload(ctx context.Context, key, uploadID string) error {
	query := url.Values{}
	query.Set("uploadId", uploadID)

	req, err := c.newRequest(ctx, http.MethodDelete, "mpu/abort/"+key, query, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return nil
}

// abortOnFailure discards the session before surfacing cause. The abort runs
// on a detached context so a cancelled upload can still clean up.
func (c *Client) abortOnFailure(ctx context.Context, key, uploadID string, cause error) error {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	if err := c.abortUpload(actx, key, uploadID); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("key", key).
			Str("upload_id", uploadID).
			Msg("failed to abort upload after error")
		return &Error{
			Code:    ErrCodeAbortFailed,
			Message: "upload failed and session abort did not clean up",
			Err:     errors.Join(cause, err),
		}
	}

	logger.Ctx(ctx).Info().
		Str("key", key).
		Str("upload_id", uploadID).
		Msg("multipart upload aborted")
	return asUploadError(cause)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, backendError("build request", err)
	}
	if c.secret != "" {
		req.Header.Set(c.authHeader, c.secret)
	}
	return req, nil
}

// asUploadError keeps *Error values intact and wraps everything else as a
// backend failure.
func asUploadError(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return backendError("upload failed", err)
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
}

func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}
