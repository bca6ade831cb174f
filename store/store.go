// Package store implements the object-store adapter (C1): a flat key→blob
// store consumed by the artifact service. Any S3-compatible backend, Azure
// Blob Storage, or the local filesystem satisfies the Blobs contract.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import (
	"context"
	"io"
	"time"
)

// Head describes a blob without reading its body.
type Head struct {
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// Blobs is the object-store adapter contract (spec §4.1). Implementations
// must make Put atomic: a reader opened via Get observes either the whole
// of a completed Put or the previous state, never a partial blob.
type Blobs interface {
	// Put consumes r to EOF and stores it under key. Atomic with respect to
	// concurrent Get/Head on the same key.
	Put(ctx context.Context, key string, r io.Reader, contentType string) error

	// Get opens a streaming reader for key. Returns a NotFound error (see
	// IsNotFound) if the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Head returns blob metadata without its body.
	Head(ctx context.Context, key string) (Head, error)

	// Delete removes key. Idempotent: deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns up to limit keys sharing prefix.
	List(ctx context.Context, prefix string, limit int) ([]string, error)
}
