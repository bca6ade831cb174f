/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package meta

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/amargo-project/amargo/cmn"
)

// Memory is an in-memory Store used by every package's test suite, so the
// cache engine and eviction loop never require a live Postgres to exercise
// their concurrency and fallthrough logic.
type Memory struct {
	mu sync.Mutex

	repoByID   map[string]*Repository
	repoByName map[string]*Repository

	groupByID   map[string]*Group
	groupByName map[string]*Group
	members     map[string][]GroupMember // groupID -> members

	artifacts   map[string]*Artifact // artifact id -> artifact
	artifactIdx map[string]string    // "repoID/name/version" -> artifact id
	cacheByKey  map[string]*CacheEntry

	downloads []DownloadEvent
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		repoByID:    make(map[string]*Repository),
		repoByName:  make(map[string]*Repository),
		groupByID:   make(map[string]*Group),
		groupByName: make(map[string]*Group),
		members:     make(map[string][]GroupMember),
		artifacts:   make(map[string]*Artifact),
		artifactIdx: make(map[string]string),
		cacheByKey:  make(map[string]*CacheEntry),
	}
}

func artifactIdxKey(repositoryID, name, version string) string {
	return repositoryID + "\x00" + name + "\x00" + version
}

func (m *Memory) UpsertRepository(_ context.Context, r *Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		if existing, ok := m.repoByName[r.Name]; ok {
			r.ID = existing.ID
		} else {
			r.ID = cmn.GenUUID()
		}
	}
	cp := *r
	m.repoByID[cp.ID] = &cp
	m.repoByName[cp.Name] = &cp
	return nil
}

func (m *Memory) GetRepository(_ context.Context, id string) (*Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repoByID[id]
	if !ok {
		return nil, cmn.NewNotFoundError("repository " + id)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) GetRepositoryByName(_ context.Context, name string) (*Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repoByName[name]
	if !ok {
		return nil, cmn.NewNotFoundError("repository " + name)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListRepositories(_ context.Context) ([]Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Repository, 0, len(m.repoByID))
	for _, r := range m.repoByID {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpsertGroup(_ context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == "" {
		if existing, ok := m.groupByName[g.Name]; ok {
			g.ID = existing.ID
		} else {
			g.ID = cmn.GenUUID()
		}
	}
	cp := *g
	m.groupByID[cp.ID] = &cp
	m.groupByName[cp.Name] = &cp
	return nil
}

func (m *Memory) GetGroupByName(_ context.Context, name string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groupByName[name]
	if !ok {
		return nil, cmn.NewNotFoundError("group " + name)
	}
	cp := *g
	return &cp, nil
}

func (m *Memory) SetGroupMembers(_ context.Context, groupID string, members []GroupMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]GroupMember, len(members))
	copy(cp, members)
	m.members[groupID] = cp
	return nil
}

func (m *Memory) GroupMembers(_ context.Context, groupID string, filter *MemberFilter) ([]ResolvedMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.members[groupID]
	out := make([]ResolvedMember, 0, len(members))
	for _, gm := range members {
		repo, ok := m.repoByID[gm.RepositoryID]
		if !ok {
			continue
		}
		if filter != nil && filter.Type != "" && repo.Type != filter.Type {
			continue
		}
		out = append(out, ResolvedMember{Repository: *repo, Priority: gm.Priority})
	}
	// priority asc, then repository-name asc (spec §4.4).
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Repository.Name < out[j].Repository.Name
	})
	return out, nil
}

func (m *Memory) StoreArtifact(_ context.Context, a *Artifact, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idxKey := artifactIdxKey(a.RepositoryID, a.Name, a.Version)
	if existingID, ok := m.artifactIdx[idxKey]; ok {
		a.ID = existingID
	} else if a.ID == "" {
		a.ID = cmn.GenUUID()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.LastAccessed = now
	cp := *a
	m.artifacts[cp.ID] = &cp
	m.artifactIdx[idxKey] = cp.ID

	entryKey := cmn.CacheEntryKey(a.RepositoryID, a.Name, a.Version)
	m.cacheByKey[entryKey] = &CacheEntry{
		Key:          entryKey,
		RepositoryID: a.RepositoryID,
		StorageKey:   a.StorageKey,
		ExpiresAt:    now.Add(ttl),
	}
	return nil
}

func (m *Memory) GetArtifact(_ context.Context, repositoryID, name, version string) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.artifactIdx[artifactIdxKey(repositoryID, name, version)]
	if !ok {
		return nil, nil // nil, nil is the documented miss signal (spec §4.3)
	}
	a, ok := m.artifacts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) DeleteArtifact(_ context.Context, repositoryID, name, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idxKey := artifactIdxKey(repositoryID, name, version)
	id, ok := m.artifactIdx[idxKey]
	if !ok {
		return nil // idempotent
	}
	delete(m.artifacts, id)
	delete(m.artifactIdx, idxKey)
	delete(m.cacheByKey, cmn.CacheEntryKey(repositoryID, name, version))
	return nil
}

func (m *Memory) TouchLastAccessed(_ context.Context, repositoryID, name, version string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.artifactIdx[artifactIdxKey(repositoryID, name, version)]
	if !ok {
		return nil // tolerate concurrent delete (spec §5)
	}
	if a, ok := m.artifacts[id]; ok {
		a.LastAccessed = at
	}
	return nil
}

func (m *Memory) ExpiredCacheEntries(_ context.Context, before time.Time, limit int) ([]CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CacheEntry
	keys := make([]string, 0, len(m.cacheByKey))
	for k := range m.cacheByKey {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic batch ordering for tests
	for _, k := range keys {
		e := m.cacheByKey[k]
		if e.ExpiresAt.Before(before) {
			out = append(out, *e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) DeleteArtifactsByStorageKeys(_ context.Context, storageKeys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(storageKeys))
	for _, k := range storageKeys {
		want[k] = struct{}{}
	}
	for id, a := range m.artifacts {
		if _, ok := want[a.StorageKey]; !ok {
			continue
		}
		delete(m.artifacts, id)
		delete(m.artifactIdx, artifactIdxKey(a.RepositoryID, a.Name, a.Version))
		delete(m.cacheByKey, cmn.CacheEntryKey(a.RepositoryID, a.Name, a.Version))
	}
	return nil
}

func (m *Memory) DeleteOrphanCacheEntry(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cacheByKey, key)
	return nil
}

func (m *Memory) RecordDownload(_ context.Context, e *DownloadEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = cmn.GenUUID()
	}
	m.downloads = append(m.downloads, *e)
	return nil
}

func (m *Memory) RecentDownloads(_ context.Context, repositoryID, name string, limit int) ([]DownloadEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DownloadEvent
	for i := len(m.downloads) - 1; i >= 0; i-- {
		e := m.downloads[i]
		if e.RepositoryID == repositoryID && e.Name == name {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
