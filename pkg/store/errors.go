// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "errors"

var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrUploadNotFound indicates the upload ID does not identify a live session.
	ErrUploadNotFound = errors.New("upload not found")

	// ErrInvalidPart indicates a part referenced on complete was never
	// uploaded or its etag does not match.
	ErrInvalidPart = errors.New("invalid part")

	// ErrInvalidPartOrder indicates the part list is not ascending and
	// contiguous from 1.
	ErrInvalidPartOrder = errors.New("invalid part order")

	// ErrEntityTooSmall indicates a non-final part is below MinPartSize.
	ErrEntityTooSmall = errors.New("part too small")

	// ErrInvalidKey indicates the object key is empty, absolute, or escapes
	// the bucket after path cleaning.
	ErrInvalidKey = errors.New("invalid object key")
)
