/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

// SanitizeName replaces every byte outside [A-Za-z0-9@/_.-] with '_', keeping
// colons, hashes and slashes inside composite artifact names (e.g. the
// Docker "<image>:blob:<digest>" form) from escaping the storage key.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '@' || c == '/' || c == '_' || c == '.' || c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// StorageKey derives the deterministic object-store key for an artifact, per
// spec: repositories/<repo-name>/<sanitised-name>/<version>/artifact.
func StorageKey(repoName, name, version string) string {
	return "repositories/" + repoName + "/" + SanitizeName(name) + "/" + version + "/artifact"
}

// CacheEntryKey derives the metadata-store CacheEntry identity.
func CacheEntryKey(repoID, name, version string) string {
	return repoID + ":" + name + ":" + version
}

// DigestWriter is an io.Writer that accumulates a running SHA-256 and byte
// count as bytes pass through it; used by the artifact service to compute
// the stored digest without buffering the artifact in memory.
type DigestWriter struct {
	h hash.Hash
	n int64
}

func NewDigestWriter() *DigestWriter {
	return &DigestWriter{h: sha256.New()}
}

func (d *DigestWriter) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.n += int64(n)
	return n, err
}

// Sum returns the lower-case hex digest and total byte count observed so far.
func (d *DigestWriter) Sum() (digest string, size int64) {
	return hex.EncodeToString(d.h.Sum(nil)), d.n
}
