/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amargo-project/amargo/cache"
	"github.com/amargo-project/amargo/cmn"
	"github.com/amargo-project/amargo/meta"
	"github.com/amargo-project/amargo/store"
)

// Evictor runs the batch eviction sweep (spec §4.6).
type Evictor struct {
	metaStore meta.Store
	blobs     store.Blobs
	batchSize int
	workers   int
	metrics   *cache.Metrics
}

func NewEvictor(metaStore meta.Store, blobs store.Blobs, batchSize, workers int) *Evictor {
	if batchSize <= 0 {
		batchSize = 100
	}
	if workers <= 0 {
		workers = 8
	}
	return &Evictor{metaStore: metaStore, blobs: blobs, batchSize: batchSize, workers: workers}
}

// WithMetrics attaches a Prometheus metrics sink; each batch reports the
// number of entries evicted and whether the batch itself errored. Returns e
// for chaining at construction time.
func (e *Evictor) WithMetrics(m *cache.Metrics) *Evictor {
	e.metrics = m
	return e
}

// Sweep repeatedly drains batches of expired cache entries until a batch
// returns fewer than batchSize rows (spec §4.6 steps 1-7).
func (e *Evictor) Sweep(ctx context.Context) error {
	for {
		n, err := e.sweepOnce(ctx)
		e.metrics.ObserveEvictedBatch(n, err)
		if err != nil {
			return err
		}
		if n < e.batchSize {
			return nil
		}
	}
}

func (e *Evictor) sweepOnce(ctx context.Context) (int, error) {
	entries, err := e.metaStore.ExpiredCacheEntries(ctx, time.Now(), e.batchSize)
	if err != nil {
		return 0, cmn.WrapStoreFailure("list expired cache entries", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	storageKeys := make([]string, 0, len(entries))
	var orphans []string
	for _, entry := range entries {
		if entry.StorageKey == "" {
			orphans = append(orphans, entry.Key)
			continue
		}
		storageKeys = append(storageKeys, entry.StorageKey)
	}

	// Best-effort concurrent blob deletes (spec: "errors logged; failure does
	// not block metadata deletion"); bounded by e.workers via errgroup.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, key := range storageKeys {
		key := key
		g.Go(func() error {
			if err := e.blobs.Delete(gctx, key); err != nil {
				cmn.Logger.Warnw("evictor: blob delete failed", "key", key, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait() // errors are logged per-key above, never aborts the sweep

	if err := e.metaStore.DeleteArtifactsByStorageKeys(ctx, storageKeys); err != nil {
		return 0, cmn.WrapStoreFailure("delete artifacts by storage key", err)
	}
	for _, key := range orphans {
		if err := e.metaStore.DeleteOrphanCacheEntry(ctx, key); err != nil {
			cmn.Logger.Warnw("evictor: orphan cache entry delete failed", "key", key, "error", err)
		}
	}

	return len(entries), nil
}
