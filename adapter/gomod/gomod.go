// Package gomod adapts the Go module proxy protocol to the cache engine
// (spec §6 "Go modules"): only the .zip path is pull-through cached; list,
// .info and .mod are proxied with a short TTL since they describe mutable
// version metadata.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package gomod

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/amargo-project/amargo/adapter/httputil"
	"github.com/amargo-project/amargo/cache"
	"github.com/amargo-project/amargo/cmn"
	"github.com/amargo-project/amargo/meta"
	"github.com/amargo-project/amargo/resolver"
)

// Handler serves one logical Go module proxy target.
type Handler struct {
	Target   string
	Engine   *cache.Engine
	Resolver *resolver.Resolver
	Client   *http.Client
}

func New(target string, engine *cache.Engine, res *resolver.Resolver) *Handler {
	return &Handler{Target: target, Engine: engine, Resolver: res, Client: cmn.NewClient(cmn.TransportArgs{})}
}

// EncodeModulePath replaces every upper-case letter with '!' followed by its
// lower-case form, the upstream module-path escaping convention (spec §6).
func EncodeModulePath(path string) string {
	var b strings.Builder
	b.Grow(len(path) + 8)
	for _, r := range path {
		if r >= 'A' && r <= 'Z' {
			b.WriteByte('!')
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/")

	switch {
	case strings.HasSuffix(path, "/@latest"):
		module := strings.TrimSuffix(path, "/@latest")
		h.proxyPassthrough(w, r, module, "@latest")
	case strings.HasSuffix(path, "/@v/list"):
		module := strings.TrimSuffix(path, "/@v/list")
		h.proxyPassthrough(w, r, module, "@v/list")
	case strings.Contains(path, "/@v/"):
		idx := strings.LastIndex(path, "/@v/")
		module, file := path[:idx], path[idx+len("/@v/"):]
		h.serveVersionFile(w, r, module, file)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveVersionFile(w http.ResponseWriter, r *http.Request, module, file string) {
	switch {
	case strings.HasSuffix(file, ".zip"):
		version := strings.TrimSuffix(file, ".zip")
		h.serveZip(w, r, module, version)
	case strings.HasSuffix(file, ".info"), strings.HasSuffix(file, ".mod"):
		h.proxyPassthrough(w, r, module, "@v/"+file)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveZip(w http.ResponseWriter, r *http.Request, module, version string) {
	if _, err := semver.NewVersion(version); err != nil {
		httputil.WriteError(w, cmn.NewInvalidRequestError("invalid module version: "+version))
		return
	}

	hook := func(ctx context.Context, repo meta.Repository) (*cache.FetchResult, error) {
		upstream := strings.TrimRight(repo.Upstream, "/") + "/" + EncodeModulePath(module) + "/@v/" + EncodeModulePath(version) + ".zip"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream, nil)
		if err != nil {
			return nil, err
		}
		resp, err := h.Client.Do(req)
		if err != nil {
			return nil, cmn.WrapUpstreamUnavailable("fetch go module zip", err)
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			resp.Body.Close()
			return nil, cmn.NewNotFoundError("module zip not found upstream: " + upstream)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, cmn.WrapUpstreamUnavailable("fetch go module zip", fmt.Errorf("unexpected upstream status %d", resp.StatusCode))
		}
		return &cache.FetchResult{Reader: resp.Body, ContentType: "application/zip", Size: resp.ContentLength}, nil
	}

	outcome := h.Engine.Serve(r.Context(), h.Target, module, version, hook, cache.Options{ContentType: "application/zip"})
	writeOutcome(w, outcome)
}

// proxyPassthrough handles the mutable, short-TTL endpoints (list, @latest,
// .info, .mod) which are never routed through the cache engine.
func (h *Handler) proxyPassthrough(w http.ResponseWriter, r *http.Request, module, suffix string) {
	candidates, err := h.Resolver.Candidates(r.Context(), h.Target, &meta.MemberFilter{Type: meta.TypeProxy})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	for _, c := range candidates {
		upstream := strings.TrimRight(c.Repository.Upstream, "/") + "/" + EncodeModulePath(module) + "/" + suffix
		req, fetchErr := http.NewRequestWithContext(r.Context(), http.MethodGet, upstream, nil)
		if fetchErr != nil {
			continue
		}
		resp, fetchErr := h.Client.Do(req)
		if fetchErr != nil {
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			continue
		}
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		httputil.SetCacheControl(w, false)
		w.Header().Set(cmn.HeaderRepository, c.Repository.Name)
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		resp.Body.Close()
		return
	}
	http.NotFound(w, r)
}

func writeOutcome(w http.ResponseWriter, outcome cache.Outcome) {
	switch outcome.Kind {
	case cache.OutcomeHit:
		defer outcome.Reader.Close()
		digest := ""
		if outcome.Info != nil {
			digest = outcome.Info.Digest
		}
		httputil.SetHit(w, outcome.RepositoryName, digest, true)
		w.WriteHeader(http.StatusOK)
		io.Copy(w, outcome.Reader)
	case cache.OutcomeMiss:
		defer outcome.Reader.Close()
		httputil.SetMiss(w, outcome.RepositoryName, true)
		w.WriteHeader(http.StatusOK)
		io.Copy(w, outcome.Reader)
	case cache.OutcomeNotFound:
		http.Error(w, "not found", http.StatusNotFound)
	default:
		httputil.WriteError(w, outcome.Err)
	}
}
