// Package artifact implements the artifact service (C3): the boundary
// between the cache engine and the object/metadata stores, responsible for
// storage-key derivation, digest computation and the fire-and-forget
// bookkeeping writes (last-accessed touch, download events).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package artifact

import (
	"context"
	"io"
	"time"

	"github.com/amargo-project/amargo/cmn"
	"github.com/amargo-project/amargo/meta"
	"github.com/amargo-project/amargo/store"
)

// Service wires the metadata store to the object store for artifact reads
// and writes across every repository (each call names its repository).
type Service struct {
	metaStore meta.Store
	blobs     store.Blobs
	async     *asyncPool
}

func New(metaStore meta.Store, blobs store.Blobs) *Service {
	return &Service{
		metaStore: metaStore,
		blobs:     blobs,
		async:     newAsyncPool(8, 256),
	}
}

// Close drains the async worker pool. Call once at process shutdown.
func (s *Service) Close() { s.async.close() }

// Lookup fetches an Artifact's metadata row, or (nil, nil) on a clean miss.
func (s *Service) Lookup(ctx context.Context, repositoryID, name, version string) (*meta.Artifact, error) {
	return s.metaStore.GetArtifact(ctx, repositoryID, name, version)
}

// Exists reports whether a cached artifact row is present, without opening
// its bytes (spec §4.3 "exists(repo,name,version)->bool").
func (s *Service) Exists(ctx context.Context, repositoryID, name, version string) (bool, error) {
	a, err := s.metaStore.GetArtifact(ctx, repositoryID, name, version)
	if err != nil {
		return false, err
	}
	return a != nil, nil
}

// Delete removes a cached artifact's metadata row and blob, if present
// (spec §4.3 "delete(repo,name,version)"). A missing artifact is not an
// error: delete is idempotent.
func (s *Service) Delete(ctx context.Context, repositoryID, name, version string) error {
	a, err := s.metaStore.GetArtifact(ctx, repositoryID, name, version)
	if err != nil {
		return err
	}
	if a == nil {
		return nil
	}
	if err := s.metaStore.DeleteArtifact(ctx, repositoryID, name, version); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, a.StorageKey); err != nil {
		return cmn.WrapStoreFailure("delete artifact blob", err)
	}
	return nil
}

// Open returns a reader over a cached artifact's bytes, plus its Head.
func (s *Service) Open(ctx context.Context, a *meta.Artifact) (io.ReadCloser, store.Head, error) {
	rc, err := s.blobs.Get(ctx, a.StorageKey)
	if err != nil {
		return nil, store.Head{}, cmn.WrapStoreFailure("open cached artifact", err)
	}
	head, err := s.blobs.Head(ctx, a.StorageKey)
	if err != nil {
		rc.Close()
		return nil, store.Head{}, cmn.WrapStoreFailure("head cached artifact", err)
	}
	return rc, head, nil
}

// StoreParams carries everything needed to persist a freshly-fetched
// artifact after it has been streamed to the caller (spec §4.3/§4.5).
type StoreParams struct {
	RepositoryID string
	RepoName     string
	Name         string
	Version      string
	ContentType  string
	Metadata     map[string]string
	TTL          time.Duration
}

// Store consumes r to EOF, streaming it to the object store under the
// derived key while computing a running SHA-256 and byte count (spec §4.3),
// then atomically records the Artifact + CacheEntry rows with that digest
// and size. It is invoked from the cache engine's tee side, after the
// caller's copy has already been (or is concurrently being) delivered.
func (s *Service) Store(ctx context.Context, p StoreParams, r io.Reader) (*meta.Artifact, error) {
	key := cmn.StorageKey(p.RepoName, p.Name, p.Version)
	digester := cmn.NewDigestWriter()
	if err := s.blobs.Put(ctx, key, io.TeeReader(r, digester), p.ContentType); err != nil {
		return nil, cmn.WrapStoreFailure("put artifact blob", err)
	}
	digest, size := digester.Sum()
	a := &meta.Artifact{
		RepositoryID: p.RepositoryID,
		Name:         p.Name,
		Version:      p.Version,
		StorageKey:   key,
		Size:         size,
		Digest:       digest,
		ContentType:  p.ContentType,
		Metadata:     p.Metadata,
	}
	if err := s.metaStore.StoreArtifact(ctx, a, p.TTL); err != nil {
		return nil, cmn.WrapStoreFailure("store artifact metadata", err)
	}
	return a, nil
}

// TouchAsync fires a best-effort last-accessed update; never blocks the
// caller and is dropped silently if the async pool is saturated (spec §5:
// "served bytes must never wait on bookkeeping").
func (s *Service) TouchAsync(repositoryID, name, version string) {
	s.async.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.metaStore.TouchLastAccessed(ctx, repositoryID, name, version, time.Now())
	})
}

// RecordDownloadAsync fires a best-effort download-event append.
func (s *Service) RecordDownloadAsync(e meta.DownloadEvent) {
	s.async.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ev := e
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		_ = s.metaStore.RecordDownload(ctx, &ev)
	})
}

// RecentDownloads exposes the download-event audit trail (spec §7 supplement).
func (s *Service) RecentDownloads(ctx context.Context, repositoryID, name string, limit int) ([]meta.DownloadEvent, error) {
	return s.metaStore.RecentDownloads(ctx, repositoryID, name, limit)
}
