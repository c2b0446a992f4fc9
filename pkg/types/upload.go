// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

package types

import "sort"

// UploadSession represents an in-progress multipart upload. It is created by
// a create call, grows as parts are uploaded, and is destroyed by either
// complete or abort. No session state outlives the operation that created it.
type UploadSession struct {
	Key         string `json:"key"`
	UploadID    string `json:"upload_id"`
	ContentType string `json:"content_type,omitempty"`
	Initiated   int64  `json:"initiated"` // Unix nano timestamp

	// Parts completed so far, keyed implicitly by PartNumber. A re-uploaded
	// part number replaces the earlier descriptor.
	Parts []PartDescriptor `json:"parts,omitempty"`
}

// PartDescriptor identifies one completed part of a multipart upload.
// Part numbers start at 1 and must be contiguous when the upload completes.
type PartDescriptor struct {
	PartNumber int    `json:"part"`
	ETag       string `json:"etag"`
}

// SortParts orders descriptors ascending by part number in place.
func SortParts(parts []PartDescriptor) {
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})
}

// ValidatePartSequence reports whether parts form the contiguous sequence
// 1..len(parts) with no duplicates. Parts must already be sorted.
func ValidatePartSequence(parts []PartDescriptor) bool {
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return false
		}
	}
	return true
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	ETag        string `json:"etag,omitempty"`
	ModifiedAt  int64  `json:"modified_at,omitempty"` // Unix nano timestamp
}
