/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package meta

import (
	"context"
	"time"
)

// Store is the metadata-store contract (C2). Implementations: Postgres
// (production) and Memory (the test suites, and amargod's in-process
// fallback when no metadata DSN is configured).
type Store interface {
	// Repositories.
	UpsertRepository(ctx context.Context, r *Repository) error
	GetRepository(ctx context.Context, id string) (*Repository, error)
	GetRepositoryByName(ctx context.Context, name string) (*Repository, error)
	ListRepositories(ctx context.Context) ([]Repository, error)

	// Groups and membership.
	UpsertGroup(ctx context.Context, g *Group) error
	GetGroupByName(ctx context.Context, name string) (*Group, error)
	SetGroupMembers(ctx context.Context, groupID string, members []GroupMember) error
	// GroupMembers returns members sorted by (priority asc, repository-name
	// asc), optionally filtered, per spec §4.4.
	GroupMembers(ctx context.Context, groupID string, filter *MemberFilter) ([]ResolvedMember, error)

	// Artifacts. StoreArtifact atomically upserts the Artifact row and its
	// CacheEntry together (spec §4.3: "atomically inserts or replaces"),
	// with expires-at computed as now + ttl.
	StoreArtifact(ctx context.Context, a *Artifact, ttl time.Duration) error
	GetArtifact(ctx context.Context, repositoryID, name, version string) (*Artifact, error)
	DeleteArtifact(ctx context.Context, repositoryID, name, version string) error
	TouchLastAccessed(ctx context.Context, repositoryID, name, version string, at time.Time) error

	// CacheEntry lifecycle (cascaded from Artifact by the backend, spec §3).
	ExpiredCacheEntries(ctx context.Context, before time.Time, limit int) ([]CacheEntry, error)
	DeleteArtifactsByStorageKeys(ctx context.Context, storageKeys []string) error
	DeleteOrphanCacheEntry(ctx context.Context, key string) error

	// DownloadEvent: fire-and-forget append.
	RecordDownload(ctx context.Context, e *DownloadEvent) error
	RecentDownloads(ctx context.Context, repositoryID, name string, limit int) ([]DownloadEvent, error)

	Close() error
}
