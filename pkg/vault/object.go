// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"io"
	"net/http"
	"strconv"

	"github.com/LeeDigitalWorks/romvault/pkg/logger"
	"github.com/LeeDigitalWorks/romvault/pkg/types"
	"github.com/LeeDigitalWorks/romvault/pkg/utils"
)

// handlePutObject stores an object in a single shot.
// PUT /{key}
func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, key string) {
	contentType := r.Header.Get("Content-Type")

	if err := s.store.Write(r.Context(), key, r.Body, r.ContentLength, contentType); err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Str("key", key).Msg("failed to put object")
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("stored " + key + "\n"))

	logger.Ctx(r.Context()).Info().
		Str("key", key).
		Int64("size", r.ContentLength).
		Str("content_type", contentType).
		Msg("object stored")
}

// handleGetObject streams an object back to the caller.
// GET /{key}
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, key string) {
	body, info, err := s.store.Read(r.Context(), key)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer body.Close()

	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if info.ETag != "" {
		w.Header().Set("ETag", info.ETag)
	}
	w.WriteHeader(http.StatusOK)

	buf := utils.GetBuffer(256 << 10)
	defer utils.PutBuffer(buf)
	if _, err := io.CopyBuffer(w, body, buf); err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Str("key", key).Msg("failed streaming object")
	}
}

// handleDeleteObject removes an object.
// DELETE /{key}
func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request, key string) {
	if err := s.store.Delete(r.Context(), key); err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Str("key", key).Msg("failed to delete object")
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("deleted " + key + "\n"))

	logger.Ctx(r.Context()).Info().Str("key", key).Msg("object deleted")
}

// handleList returns the object listing for the library catalog.
// GET /?prefix=
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	infos, err := s.store.List(r.Context(), prefix, s.maxListKeys)
	if err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Str("prefix", prefix).Msg("failed to list objects")
		writeStoreError(w, err)
		return
	}

	if infos == nil {
		infos = []types.ObjectInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"prefix":  prefix,
		"objects": infos,
	})
}
