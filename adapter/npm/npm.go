// Package npm adapts the npm registry wire protocol to the cache engine
// (spec §6 "npm"): package metadata is proxied directly, tarballs are
// pull-through cached by (repository-or-group, package name, version).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package npm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/amargo-project/amargo/adapter/httputil"
	"github.com/amargo-project/amargo/cache"
	"github.com/amargo-project/amargo/cmn"
	"github.com/amargo-project/amargo/meta"
	"github.com/amargo-project/amargo/resolver"
)

// Handler serves one logical npm target: a single repository or a group.
type Handler struct {
	Target   string
	Engine   *cache.Engine
	Resolver *resolver.Resolver
	Client   *http.Client
}

func New(target string, engine *cache.Engine, res *resolver.Resolver) *Handler {
	return &Handler{Target: target, Engine: engine, Resolver: res, Client: cmn.NewClient(cmn.TransportArgs{})}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/")

	pkgName, filename, isTarball := splitTarballPath(path)
	if !isTarball {
		h.serveMetadata(w, r, decodeScope(path))
		return
	}
	version, ok := versionFromFilename(pkgName, filename)
	if !ok {
		httputil.WriteError(w, cmn.NewInvalidRequestError("cannot parse tarball filename: "+filename))
		return
	}
	h.serveTarball(w, r, pkgName, version, filename)
}

// splitTarballPath recognizes "<pkg>/-/<filename>", returning the package
// name, the filename, and whether this is a tarball request at all.
func splitTarballPath(path string) (pkgName, filename string, isTarball bool) {
	idx := strings.Index(path, "/-/")
	if idx < 0 {
		return "", "", false
	}
	return decodeScope(path[:idx]), path[idx+len("/-/"):], true
}

// decodeScope accepts both "@scope/pkg" and "@scope%2Fpkg" (spec §6).
func decodeScope(s string) string {
	if decoded, err := url.QueryUnescape(s); err == nil {
		return decoded
	}
	return s
}

// versionFromFilename strips the "<clean-pkg>-" prefix and ".tgz" suffix
// (spec §6: version extracted by stripping the clean package name prefix and
// the .tgz suffix from the tarball filename).
func versionFromFilename(pkgName, filename string) (string, bool) {
	clean := pkgName
	if idx := strings.LastIndex(pkgName, "/"); idx >= 0 {
		clean = pkgName[idx+1:]
	}
	if !strings.HasSuffix(filename, ".tgz") {
		return "", false
	}
	body := strings.TrimSuffix(filename, ".tgz")
	prefix := clean + "-"
	if !strings.HasPrefix(body, prefix) {
		return "", false
	}
	return strings.TrimPrefix(body, prefix), true
}

// serveMetadata proxies the package metadata document directly: it has no
// (name, version) identity for the artifact store, so it never goes through
// the cache engine (spec §6).
func (h *Handler) serveMetadata(w http.ResponseWriter, r *http.Request, pkgName string) {
	candidates, err := h.Resolver.Candidates(r.Context(), h.Target, &meta.MemberFilter{Type: meta.TypeProxy})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	for _, c := range candidates {
		upstream := strings.TrimRight(c.Repository.Upstream, "/") + "/" + pkgName
		resp, fetchErr := h.fetch(r, upstream)
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

func (h *Handler) serveTarball(w http.ResponseWriter, r *http.Request, pkgName, version, filename string) {
	hook := func(ctx context.Context, repo meta.Repository) (*cache.FetchResult, error) {
		upstream := strings.TrimRight(repo.Upstream, "/") + "/" + pkgName + "/-/" + filename
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream, nil)
		if err != nil {
			return nil, err
		}
		resp, err := h.Client.Do(req)
		if err != nil {
			return nil, cmn.WrapUpstreamUnavailable("fetch npm tarball", err)
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			resp.Body.Close()
			return nil, cmn.NewNotFoundError("tarball not found upstream: " + upstream)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, cmn.WrapUpstreamUnavailable("fetch npm tarball", errStatus(resp.StatusCode))
		}
		return &cache.FetchResult{Reader: resp.Body, ContentType: resp.Header.Get("Content-Type"), Size: resp.ContentLength}, nil
	}

	outcome := h.Engine.Serve(r.Context(), h.Target, pkgName, version, hook, cache.Options{ContentType: "application/octet-stream"})
	writeOutcome(w, outcome)
}

// fetch issues a GET for the metadata pass, reusing the inbound request's
// context and Accept header.
func (h *Handler) fetch(r *http.Request, upstream string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstream, nil)
	if err != nil {
		return nil, err
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}
	return h.Client.Do(req)
}

func errStatus(code int) error {
	return fmt.Errorf("unexpected upstream status %d", code)
}

// writeOutcome renders a cache.Outcome as an HTTP response, the shared tail
// of every cache-engine-backed adapter route.
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
