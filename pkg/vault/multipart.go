// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/LeeDigitalWorks/romvault/pkg/logger"
	"github.com/LeeDigitalWorks/romvault/pkg/store"
	"github.com/LeeDigitalWorks/romvault/pkg/types"
)

// handleCreateUpload starts a multipart upload session.
// POST /mpu/create/{key}
func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request, key string) {
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "missing key")
		return
	}

	uploadID, err := s.store.CreateMultipartUpload(r.Context(), key, r.Header.Get("Content-Type"))
	if err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Str("key", key).Msg("failed to create multipart upload")
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"uploadId": uploadID,
		"key":      key,
	})

	logger.Ctx(r.Context()).Info().
		Str("key", key).
		Str("upload_id", uploadID).
		Msg("multipart upload initiated")
}

// handleUploadPart stores one part of a multipart upload.
// PUT /mpu/part/{key}?uploadId={uploadId}&part={partNumber}
func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request, key string) {
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "missing key")
		return
	}

	query := r.URL.Query()
	uploadID := query.Get("uploadId")
	partStr := query.Get("part")
	if uploadID == "" || partStr == "" {
		writeJSONError(w, http.StatusBadRequest, "missing uploadId or part")
		return
	}

	partNumber, err := strconv.Atoi(partStr)
	if err != nil || partNumber < 1 || partNumber > 10000 {
		writeJSONError(w, http.StatusBadRequest, "part must be an integer between 1 and 10000")
		return
	}

	etag, err := s.store.UploadPart(r.Context(), key, uploadID, partNumber, r.Body, r.ContentLength)
	if err != nil {
		logger.Ctx(r.Context()).Error().Err(err).
			Str("key", key).
			Str("upload_id", uploadID).
			Int("part_number", partNumber).
			Msg("failed to upload part")
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"part": partNumber,
		"etag": etag,
	})

	logger.Ctx(r.Context()).Debug().
		Str("key", key).
		Str("upload_id", uploadID).
		Int("part_number", partNumber).
		Msg("part uploaded")
}

// completeRequest is the JSON body of a complete call.
type completeRequest struct {
	Parts []types.PartDescriptor `json:"parts"`
}

// handleCompleteUpload assembles the object from uploaded parts.
// POST /mpu/complete/{key}?uploadId={uploadId}
func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request, key string) {
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "missing key")
		return
	}

	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing uploadId")
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed parts list")
		return
	}
	if len(req.Parts) == 0 {
		writeJSONError(w, http.StatusBadRequest, "empty parts list")
		return
	}

	types.SortParts(req.Parts)

	if err := s.store.CompleteMultipartUpload(r.Context(), key, uploadID, req.Parts); err != nil {
		logger.Ctx(r.Context()).Error().Err(err).
			Str("key", key).
			Str("upload_id", uploadID).
			Int("parts", len(req.Parts)).
			Msg("failed to complete multipart upload")
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"key":     key,
	})

	logger.Ctx(r.Context()).Info().
		Str("key", key).
		Str("upload_id", uploadID).
		Int("parts", len(req.Parts)).
		Msg("multipart upload completed")
}

// handleAbortUpload discards a multipart upload session.
// DELETE /mpu/abort/{key}?uploadId={uploadId}
func (s *Server) handleAbortUpload(w http.ResponseWriter, r *http.Request, key string) {
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "missing key")
		return
	}

	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing uploadId")
		return
	}

	if err := s.store.AbortMultipartUpload(r.Context(), key, uploadID); err != nil {
		logger.Ctx(r.Context()).Error().Err(err).
			Str("key", key).
			Str("upload_id", uploadID).
			Msg("failed to abort multipart upload")
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"aborted": true,
	})

	logger.Ctx(r.Context()).Info().
		Str("key", key).
		Str("upload_id", uploadID).
		Msg("multipart upload aborted")
}

// writeStoreError maps store errors onto the HTTP surface.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "object not found")
	case errors.Is(err, store.ErrUploadNotFound):
		writeJSONError(w, http.StatusNotFound, "upload not found")
	case errors.Is(err, store.ErrInvalidPartOrder):
		writeJSONError(w, http.StatusBadRequest, "parts must be contiguous and ascending from 1")
	case errors.Is(err, store.ErrInvalidPart):
		writeJSONError(w, http.StatusBadRequest, "unknown part or etag mismatch")
	case errors.Is(err, store.ErrEntityTooSmall):
		writeJSONError(w, http.StatusBadRequest, "non-final part below minimum size")
	case errors.Is(err, store.ErrInvalidKey):
		writeJSONError(w, http.StatusBadRequest, "invalid key")
	default:
		writeJSONError(w, http.StatusInternalServerError, "storage error")
	}
}
