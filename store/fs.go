/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import (
	"context"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/amargo-project/amargo/cmn"
)

// FS is a local-filesystem Blobs backend used for development and by the
// test suite: deterministic, no network dependency. Atomicity is provided
// by writing to a sibling "work file" and renaming over the final path
// (rename is atomic within a filesystem), the same technique the teacher
// uses for object commits in ais/tgtobj.go.
type FS struct {
	root string
}

var _ Blobs = (*FS)(nil)

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, cmn.WrapInternal("create fs store root", err)
	}
	return &FS{root: root}, nil
}

func (b *FS) path(key string) string  { return filepath.Join(b.root, filepath.FromSlash(key)) }
func (b *FS) metaPath(key string) string { return b.path(key) + ".meta" }

func (b *FS) Put(_ context.Context, key string, r io.Reader, contentType string) error {
	full := b.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	work := full + ".work." + cmn.GenTie()
	f, err := os.Create(work)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(work)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(work)
		return err
	}
	if err := os.Rename(work, full); err != nil {
		os.Remove(work)
		return err
	}
	return os.WriteFile(b.metaPath(key), []byte(contentType), 0o644)
}

func (b *FS) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (b *FS) Head(_ context.Context, key string) (Head, error) {
	fi, err := os.Stat(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Head{}, ErrNotFound
		}
		return Head{}, err
	}
	contentType := ""
	if ct, err := os.ReadFile(b.metaPath(key)); err == nil {
		contentType = string(ct)
	} else {
		contentType = mime.TypeByExtension(filepath.Ext(key))
	}
	return Head{
		Size:         fi.Size(),
		ContentType:  contentType,
		ETag:         fi.ModTime().String(),
		LastModified: fi.ModTime(),
	}, nil
}

func (b *FS) Delete(_ context.Context, key string) error {
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	os.Remove(b.metaPath(key))
	return nil
}

func (b *FS) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *FS) List(_ context.Context, prefix string, limit int) ([]string, error) {
	var keys []string
	root := b.root
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(p, ".meta") || strings.Contains(p, ".work.") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}
