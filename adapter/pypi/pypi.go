// Package pypi adapts the PEP 503 simple-index protocol to the cache engine
// (spec §6 "PyPI"): the index pages are proxied with href-rewriting, and
// package files are pull-through cached by (repository-or-group, name,
// version).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package pypi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/amargo-project/amargo/adapter/httputil"
	"github.com/amargo-project/amargo/cache"
	"github.com/amargo-project/amargo/cmn"
	"github.com/amargo-project/amargo/meta"
	"github.com/amargo-project/amargo/resolver"
)

// Handler serves one logical PyPI target: a single repository or a group.
type Handler struct {
	Target   string
	Engine   *cache.Engine
	Resolver *resolver.Resolver
	Client   *http.Client
}

func New(target string, engine *cache.Engine, res *resolver.Resolver) *Handler {
	return &Handler{Target: target, Engine: engine, Resolver: res, Client: cmn.NewClient(cmn.TransportArgs{})}
}

// NormalizeName applies PEP 503 name normalization: lowercase, collapse runs
// of '.', '_', '-' to a single '-'.
func NormalizeName(name string) string {
	lower := strings.ToLower(name)
	return collapseSeparators.ReplaceAllString(lower, "-")
}

var collapseSeparators = regexp.MustCompile(`[-_.]+`)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/")

	switch {
	case path == "simple/" || path == "simple":
		h.serveRootIndex(w, r)
	case strings.HasPrefix(path, "simple/"):
		rest := strings.TrimPrefix(path, "simple/")
		rest = strings.Trim(rest, "/")
		if rest == "" {
			h.serveRootIndex(w, r)
			return
		}
		h.servePackageIndex(w, r, rest)
	case strings.HasPrefix(path, "packages/"):
		h.serveFile(w, r, strings.TrimPrefix(path, "packages/"))
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveRootIndex(w http.ResponseWriter, r *http.Request) {
	h.proxyPassthrough(w, r, "simple/")
}

func (h *Handler) servePackageIndex(w http.ResponseWriter, r *http.Request, pkgSegment string) {
	candidates, err := h.Resolver.Candidates(r.Context(), h.Target, &meta.MemberFilter{Type: meta.TypeProxy})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	for _, c := range candidates {
		upstream := strings.TrimRight(c.Repository.Upstream, "/") + "/simple/" + pkgSegment + "/"
		resp, fetchErr := h.fetch(r, upstream)
		if fetchErr != nil {
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			continue
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		rewritten := rewriteHrefs(raw)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		httputil.SetCacheControl(w, false)
		w.Header().Set(cmn.HeaderRepository, c.Repository.Name)
		w.WriteHeader(http.StatusOK)
		w.Write(rewritten)
		return
	}
	http.NotFound(w, r)
}

// rewriteHrefs points package-file links at this proxy's own /pypi/packages/
// tree instead of the relative "../../packages/" path or a hardcoded upstream
// host such as files.pythonhosted.org (spec §6).
func rewriteHrefs(html []byte) []byte {
	out := relPackages.ReplaceAll(html, []byte(`href="/pypi/packages/`))
	out = absPackages.ReplaceAll(out, []byte(`href="/pypi/packages/`))
	return out
}

var (
	relPackages = regexp.MustCompile(`href="(?:\.\./)+packages/`)
	absPackages = regexp.MustCompile(`href="https://files\.pythonhosted\.org/packages/`)
)

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, relPath string) {
	segments := strings.Split(relPath, "/")
	filename := segments[len(segments)-1]
	pkgName, version, ok := parseFilename(filename)
	if !ok {
		httputil.WriteError(w, cmn.NewInvalidRequestError("cannot parse pypi filename: "+filename))
		return
	}

	hook := func(ctx context.Context, repo meta.Repository) (*cache.FetchResult, error) {
		upstream := strings.TrimRight(repo.Upstream, "/") + "/packages/" + relPath
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream, nil)
		if err != nil {
			return nil, err
		}
		resp, err := h.Client.Do(req)
		if err != nil {
			return nil, cmn.WrapUpstreamUnavailable("fetch pypi file", err)
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			resp.Body.Close()
			return nil, cmn.NewNotFoundError("pypi file not found upstream: " + upstream)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, cmn.WrapUpstreamUnavailable("fetch pypi file", fmt.Errorf("unexpected upstream status %d", resp.StatusCode))
		}
		return &cache.FetchResult{Reader: resp.Body, ContentType: resp.Header.Get("Content-Type"), Size: resp.ContentLength}, nil
	}

	outcome := h.Engine.Serve(r.Context(), h.Target, pkgName, version, hook, cache.Options{ContentType: "application/octet-stream"})
	writeOutcome(w, outcome)
}

// parseFilename extracts (normalized name, version) from a wheel or sdist
// filename (spec §6: version extracted by extension, .whl vs
// .tar.gz|.tar.bz2|.zip|.egg).
func parseFilename(filename string) (name, version string, ok bool) {
	if strings.HasSuffix(filename, ".whl") {
		body := strings.TrimSuffix(filename, ".whl")
		parts := strings.Split(body, "-")
		if len(parts) < 2 {
			return "", "", false
		}
		return NormalizeName(parts[0]), parts[1], true
	}
	for _, ext := range []string{".tar.gz", ".tar.bz2", ".zip", ".egg"} {
		if strings.HasSuffix(filename, ext) {
			body := strings.TrimSuffix(filename, ext)
			idx := strings.LastIndex(body, "-")
			if idx < 0 {
				return "", "", false
			}
			return NormalizeName(body[:idx]), body[idx+1:], true
		}
	}
	return "", "", false
}

func (h *Handler) proxyPassthrough(w http.ResponseWriter, r *http.Request, suffix string) {
	candidates, err := h.Resolver.Candidates(r.Context(), h.Target, &meta.MemberFilter{Type: meta.TypeProxy})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	for _, c := range candidates {
		upstream := strings.TrimRight(c.Repository.Upstream, "/") + "/" + suffix
		resp, fetchErr := h.fetch(r, upstream)
		if fetchErr != nil {
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			continue
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		io.Copy(&buf, resp.Body)
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		httputil.SetCacheControl(w, false)
		w.Header().Set(cmn.HeaderRepository, c.Repository.Name)
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
		return
	}
	http.NotFound(w, r)
}

func (h *Handler) fetch(r *http.Request, upstream string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstream, nil)
	if err != nil {
		return nil, err
	}
	return h.Client.Do(req)
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
