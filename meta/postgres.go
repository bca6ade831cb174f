/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package meta

import (
	"context"
	_ "embed"
	"database/sql"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/amargo-project/amargo/cmn"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is the production Store, backed by lib/pq through sqlx. Grounded
// on storj-storj's and source-controller's use of jmoiron/sqlx + lib/pq as
// the metadata backend (see SPEC_FULL.md §5).
type Postgres struct {
	db     *sqlx.DB
	cipher *credentialCipher
}

var _ Store = (*Postgres)(nil)

// NewPostgres opens dsn, applies schema.sql idempotently and returns a ready
// Store. encryptionKey may be empty, in which case Credentials are stored as
// plain JSON (dev/test only, see SPEC_FULL.md §9).
func NewPostgres(dsn string, maxOpen, maxIdle int, encryptionKey []byte) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, cmn.WrapInternal("connect metadata store", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, cmn.WrapInternal("apply metadata schema", err)
	}
	c, err := newCredentialCipher(encryptionKey)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db, cipher: c}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func notFoundOrFailure(err error, what string) error {
	if err == sql.ErrNoRows {
		return cmn.NewNotFoundError(what)
	}
	return cmn.WrapStoreFailure("query "+what, err)
}

type repoRow struct {
	ID          string     `db:"id"`
	Name        string     `db:"name"`
	Format      string     `db:"format"`
	Type        string     `db:"type"`
	Upstream    string     `db:"upstream"`
	Credentials []byte     `db:"credentials"`
	DefaultTTL  int64      `db:"default_ttl"`
	Enabled     bool       `db:"enabled"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (p *Postgres) toRepository(r *repoRow) (*Repository, error) {
	creds, err := p.cipher.open(r.Credentials)
	if err != nil {
		return nil, err
	}
	return &Repository{
		ID:          r.ID,
		Name:        r.Name,
		Format:      Format(r.Format),
		Type:        RepoType(r.Type),
		Upstream:    r.Upstream,
		Credentials: creds,
		DefaultTTL:  time.Duration(r.DefaultTTL),
		Enabled:     r.Enabled,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

func (p *Postgres) UpsertRepository(ctx context.Context, r *Repository) error {
	if r.ID == "" {
		r.ID = cmn.GenUUID()
	}
	sealed, err := p.cipher.seal(r.Credentials)
	if err != nil {
		return cmn.WrapInternal("seal credentials", err)
	}
	now := time.Now()
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO repositories (id, name, format, type, upstream, credentials, default_ttl, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (name) DO UPDATE SET
			format = EXCLUDED.format, type = EXCLUDED.type, upstream = EXCLUDED.upstream,
			credentials = EXCLUDED.credentials, default_ttl = EXCLUDED.default_ttl,
			enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at
	`, r.ID, r.Name, string(r.Format), string(r.Type), r.Upstream, sealed, int64(r.DefaultTTL), r.Enabled, now)
	if err != nil {
		return cmn.WrapStoreFailure("upsert repository", err)
	}
	return nil
}

func (p *Postgres) GetRepository(ctx context.Context, id string) (*Repository, error) {
	var row repoRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM repositories WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOrFailure(err, "repository "+id)
	}
	return p.toRepository(&row)
}

func (p *Postgres) GetRepositoryByName(ctx context.Context, name string) (*Repository, error) {
	var row repoRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM repositories WHERE name = $1`, name)
	if err != nil {
		return nil, notFoundOrFailure(err, "repository "+name)
	}
	return p.toRepository(&row)
}

func (p *Postgres) ListRepositories(ctx context.Context) ([]Repository, error) {
	var rows []repoRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT * FROM repositories ORDER BY name`); err != nil {
		return nil, cmn.WrapStoreFailure("list repositories", err)
	}
	out := make([]Repository, 0, len(rows))
	for i := range rows {
		r, err := p.toRepository(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func (p *Postgres) UpsertGroup(ctx context.Context, g *Group) error {
	if g.ID == "" {
		g.ID = cmn.GenUUID()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO groups (id, name, format) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET format = EXCLUDED.format
	`, g.ID, g.Name, string(g.Format))
	if err != nil {
		return cmn.WrapStoreFailure("upsert group", err)
	}
	return nil
}

func (p *Postgres) GetGroupByName(ctx context.Context, name string) (*Group, error) {
	var row struct {
		ID     string `db:"id"`
		Name   string `db:"name"`
		Format string `db:"format"`
	}
	err := p.db.GetContext(ctx, &row, `SELECT * FROM groups WHERE name = $1`, name)
	if err != nil {
		return nil, notFoundOrFailure(err, "group "+name)
	}
	return &Group{ID: row.ID, Name: row.Name, Format: Format(row.Format)}, nil
}

func (p *Postgres) SetGroupMembers(ctx context.Context, groupID string, members []GroupMember) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return cmn.WrapStoreFailure("begin set members tx", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = $1`, groupID); err != nil {
		return cmn.WrapStoreFailure("clear group members", err)
	}
	for _, m := range members {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO group_members (group_id, repository_id, priority) VALUES ($1, $2, $3)
		`, groupID, m.RepositoryID, m.Priority)
		if err != nil {
			return cmn.WrapStoreFailure("insert group member", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return cmn.WrapStoreFailure("commit set members tx", err)
	}
	return nil
}

func (p *Postgres) GroupMembers(ctx context.Context, groupID string, filter *MemberFilter) ([]ResolvedMember, error) {
	q := `
		SELECT r.*, gm.priority AS member_priority
		FROM group_members gm JOIN repositories r ON r.id = gm.repository_id
		WHERE gm.group_id = $1`
	args := []interface{}{groupID}
	if filter != nil && filter.Type != "" {
		q += ` AND r.type = $2`
		args = append(args, string(filter.Type))
	}
	q += ` ORDER BY gm.priority ASC, r.name ASC`

	var rows []struct {
		repoRow
		MemberPriority int `db:"member_priority"`
	}
	if err := p.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, cmn.WrapStoreFailure("query group members", err)
	}
	out := make([]ResolvedMember, 0, len(rows))
	for i := range rows {
		r, err := p.toRepository(&rows[i].repoRow)
		if err != nil {
			return nil, err
		}
		out = append(out, ResolvedMember{Repository: *r, Priority: rows[i].MemberPriority})
	}
	return out, nil
}

func (p *Postgres) StoreArtifact(ctx context.Context, a *Artifact, ttl time.Duration) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return cmn.WrapStoreFailure("begin store artifact tx", err)
	}
	defer tx.Rollback()

	metaJSON, err := jsoniter.Marshal(a.Metadata)
	if err != nil {
		return cmn.WrapInternal("marshal artifact metadata", err)
	}
	now := time.Now()
	if a.ID == "" {
		a.ID = cmn.GenUUID()
	}
	var ttlCol interface{}
	if a.TTL != nil {
		ttlCol = int64(*a.TTL)
	}

	var id string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO artifacts (id, repository_id, name, version, storage_key, size, digest, content_type, metadata, ttl, created_at, last_accessed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (repository_id, name, version) DO UPDATE SET
			storage_key = EXCLUDED.storage_key, size = EXCLUDED.size, digest = EXCLUDED.digest,
			content_type = EXCLUDED.content_type, metadata = EXCLUDED.metadata, ttl = EXCLUDED.ttl,
			last_accessed = EXCLUDED.last_accessed
		RETURNING id
	`, a.ID, a.RepositoryID, a.Name, a.Version, a.StorageKey, a.Size, a.Digest, a.ContentType, metaJSON, ttlCol, now).Scan(&id)
	if err != nil {
		return cmn.WrapStoreFailure("upsert artifact", err)
	}
	a.ID = id

	entryKey := cmn.CacheEntryKey(a.RepositoryID, a.Name, a.Version)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cache_entries (key, repository_id, artifact_id, storage_key, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET artifact_id = EXCLUDED.artifact_id,
			storage_key = EXCLUDED.storage_key, expires_at = EXCLUDED.expires_at
	`, entryKey, a.RepositoryID, id, a.StorageKey, now.Add(ttl))
	if err != nil {
		return cmn.WrapStoreFailure("upsert cache entry", err)
	}

	if err := tx.Commit(); err != nil {
		return cmn.WrapStoreFailure("commit store artifact tx", err)
	}
	return nil
}

type artifactRow struct {
	ID           string    `db:"id"`
	RepositoryID string    `db:"repository_id"`
	Name         string    `db:"name"`
	Version      string    `db:"version"`
	StorageKey   string    `db:"storage_key"`
	Size         int64     `db:"size"`
	Digest       string    `db:"digest"`
	ContentType  string    `db:"content_type"`
	Metadata     []byte    `db:"metadata"`
	TTL          *int64    `db:"ttl"`
	CreatedAt    time.Time `db:"created_at"`
	LastAccessed time.Time `db:"last_accessed"`
}

func (row *artifactRow) toArtifact() (*Artifact, error) {
	var md map[string]string
	if len(row.Metadata) > 0 {
		if err := jsoniter.Unmarshal(row.Metadata, &md); err != nil {
			return nil, err
		}
	}
	a := &Artifact{
		ID:           row.ID,
		RepositoryID: row.RepositoryID,
		Name:         row.Name,
		Version:      row.Version,
		StorageKey:   row.StorageKey,
		Size:         row.Size,
		Digest:       row.Digest,
		ContentType:  row.ContentType,
		Metadata:     md,
		CreatedAt:    row.CreatedAt,
		LastAccessed: row.LastAccessed,
	}
	if row.TTL != nil {
		d := time.Duration(*row.TTL)
		a.TTL = &d
	}
	return a, nil
}

func (p *Postgres) GetArtifact(ctx context.Context, repositoryID, name, version string) (*Artifact, error) {
	var row artifactRow
	err := p.db.GetContext(ctx, &row, `
		SELECT * FROM artifacts WHERE repository_id = $1 AND name = $2 AND version = $3
	`, repositoryID, name, version)
	if err == sql.ErrNoRows {
		return nil, nil // documented miss signal, spec §4.3
	}
	if err != nil {
		return nil, cmn.WrapStoreFailure("get artifact", err)
	}
	return row.toArtifact()
}

func (p *Postgres) DeleteArtifact(ctx context.Context, repositoryID, name, version string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM artifacts WHERE repository_id = $1 AND name = $2 AND version = $3
	`, repositoryID, name, version)
	if err != nil {
		return cmn.WrapStoreFailure("delete artifact", err)
	}
	return nil
}

func (p *Postgres) TouchLastAccessed(ctx context.Context, repositoryID, name, version string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE artifacts SET last_accessed = $4
		WHERE repository_id = $1 AND name = $2 AND version = $3
	`, repositoryID, name, version, at)
	if err != nil {
		return cmn.WrapStoreFailure("touch last accessed", err)
	}
	return nil // no rows affected on concurrent delete is tolerated, spec §5
}

func (p *Postgres) ExpiredCacheEntries(ctx context.Context, before time.Time, limit int) ([]CacheEntry, error) {
	var rows []struct {
		Key          string    `db:"key"`
		RepositoryID string    `db:"repository_id"`
		StorageKey   string    `db:"storage_key"`
		ExpiresAt    time.Time `db:"expires_at"`
	}
	err := p.db.SelectContext(ctx, &rows, `
		SELECT key, repository_id, storage_key, expires_at FROM cache_entries
		WHERE expires_at < $1 ORDER BY expires_at ASC LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, cmn.WrapStoreFailure("list expired cache entries", err)
	}
	out := make([]CacheEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, CacheEntry{Key: r.Key, RepositoryID: r.RepositoryID, StorageKey: r.StorageKey, ExpiresAt: r.ExpiresAt})
	}
	return out, nil
}

func (p *Postgres) DeleteArtifactsByStorageKeys(ctx context.Context, storageKeys []string) error {
	if len(storageKeys) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM artifacts WHERE storage_key = ANY($1)`, pq.Array(storageKeys))
	if err != nil {
		return cmn.WrapStoreFailure("delete artifacts by storage key", err)
	}
	return nil
}

func (p *Postgres) DeleteOrphanCacheEntry(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = $1`, key)
	if err != nil {
		return cmn.WrapStoreFailure("delete orphan cache entry", err)
	}
	return nil
}

func (p *Postgres) RecordDownload(ctx context.Context, e *DownloadEvent) error {
	if e.ID == "" {
		e.ID = cmn.GenUUID()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO download_events (id, repository_id, name, version, ts, client_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.RepositoryID, e.Name, e.Version, e.Timestamp, e.ClientIP, e.UserAgent)
	if err != nil {
		return cmn.WrapStoreFailure("record download", err)
	}
	return nil
}

func (p *Postgres) RecentDownloads(ctx context.Context, repositoryID, name string, limit int) ([]DownloadEvent, error) {
	var rows []struct {
		ID           string    `db:"id"`
		RepositoryID string    `db:"repository_id"`
		Name         string    `db:"name"`
		Version      string    `db:"version"`
		Timestamp    time.Time `db:"ts"`
		ClientIP     string    `db:"client_ip"`
		UserAgent    string    `db:"user_agent"`
	}
	err := p.db.SelectContext(ctx, &rows, `
		SELECT id, repository_id, name, version, ts, client_ip, user_agent FROM download_events
		WHERE repository_id = $1 AND name = $2 ORDER BY ts DESC LIMIT $3
	`, repositoryID, name, limit)
	if err != nil {
		return nil, cmn.WrapStoreFailure("list recent downloads", err)
	}
	out := make([]DownloadEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, DownloadEvent{
			ID: r.ID, RepositoryID: r.RepositoryID, Name: r.Name, Version: r.Version,
			Timestamp: r.Timestamp, ClientIP: r.ClientIP, UserAgent: r.UserAgent,
		})
	}
	return out, nil
}
