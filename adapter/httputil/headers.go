// Package httputil holds the response-header conventions shared by every
// protocol adapter (spec §6): cache status, repository attribution, ETag and
// Cache-Control, so each adapter only has to call one function per outcome.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package httputil

import (
	"net/http"

	"github.com/amargo-project/amargo/cmn"
)

// SetHit writes the headers for a cache HIT: X-Cache, X-Repository, ETag and
// an immutable Cache-Control.
func SetHit(w http.ResponseWriter, repoName, digest string, immutable bool) {
	w.Header().Set(cmn.HeaderCache, cmn.CacheStatusHit)
	w.Header().Set(cmn.HeaderCacheLegacy, cmn.CacheStatusHit)
	w.Header().Set(cmn.HeaderRepository, repoName)
	if digest != "" {
		w.Header().Set(cmn.HeaderETag, `"`+digest+`"`)
	}
	SetCacheControl(w, immutable)
}

// SetMiss writes the headers for a cache MISS.
func SetMiss(w http.ResponseWriter, repoName string, immutable bool) {
	w.Header().Set(cmn.HeaderCache, cmn.CacheStatusMiss)
	w.Header().Set(cmn.HeaderCacheLegacy, cmn.CacheStatusMiss)
	w.Header().Set(cmn.HeaderRepository, repoName)
	SetCacheControl(w, immutable)
}

// SetCacheControl applies the immutable-blob or mutable-index policy.
func SetCacheControl(w http.ResponseWriter, immutable bool) {
	if immutable {
		w.Header().Set(cmn.HeaderCacheControl, cmn.CacheControlImmutable)
	} else {
		w.Header().Set(cmn.HeaderCacheControl, cmn.CacheControlMutable)
	}
}

// WriteError maps a cmn.ErrorKind to an HTTP status and writes a plain-text
// body, the common error path for every adapter (spec §7).
func WriteError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), cmn.KindOf(err).HTTPStatus())
}
