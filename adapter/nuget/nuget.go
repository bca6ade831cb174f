// Package nuget adapts the NuGet V3 protocol to the cache engine (spec §6
// "NuGet V3"): the service index is generated locally from BaseURL, the
// per-id version list is proxied, and .nupkg package files are pull-through
// cached; .nuspec is passthrough.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package nuget

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/amargo-project/amargo/adapter/httputil"
	"github.com/amargo-project/amargo/cache"
	"github.com/amargo-project/amargo/cmn"
	"github.com/amargo-project/amargo/meta"
	"github.com/amargo-project/amargo/resolver"
)

// Handler serves one logical NuGet target: a single repository or a group.
type Handler struct {
	Target   string
	Engine   *cache.Engine
	Resolver *resolver.Resolver
	Client   *http.Client

	// BaseURL is this proxy's own externally visible base, e.g.
	// "https://proxy.example.com/nuget", embedded in the service index.
	BaseURL string
}

func New(target, baseURL string, engine *cache.Engine, res *resolver.Resolver) *Handler {
	return &Handler{Target: target, BaseURL: strings.TrimRight(baseURL, "/"), Engine: engine, Resolver: res, Client: cmn.NewClient(cmn.TransportArgs{})}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/")

	switch {
	case path == "v3/index.json":
		h.serveServiceIndex(w)
	case strings.HasPrefix(path, "v3-flatcontainer/"):
		h.serveFlatContainer(w, r, strings.TrimPrefix(path, "v3-flatcontainer/"))
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveServiceIndex(w http.ResponseWriter) {
	index := fmt.Sprintf(`{"version":"3.0.0","resources":[`+
		`{"@id":"%s/v3-flatcontainer/","@type":"PackageBaseAddress/3.0.0"},`+
		`{"@id":"%s/v3/registrations/","@type":"RegistrationsBaseUrl/3.6.0"}]}`,
		h.BaseURL, h.BaseURL)
	w.Header().Set("Content-Type", "application/json")
	httputil.SetCacheControl(w, false)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, index)
}

func (h *Handler) serveFlatContainer(w http.ResponseWriter, r *http.Request, rest string) {
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) < 1 {
		http.NotFound(w, r)
		return
	}
	id := segments[0]

	if len(segments) == 2 && segments[1] == "index.json" {
		h.proxyVersionList(w, r, id)
		return
	}
	if len(segments) != 3 {
		http.NotFound(w, r)
		return
	}
	version, filename := segments[1], segments[2]

	if strings.HasSuffix(filename, ".nuspec") {
		h.proxyNuspec(w, r, id, version, filename)
		return
	}
	if !strings.HasSuffix(filename, ".nupkg") {
		http.NotFound(w, r)
		return
	}

	hook := func(ctx context.Context, repo meta.Repository) (*cache.FetchResult, error) {
		upstream := strings.TrimRight(repo.Upstream, "/") + "/v3-flatcontainer/" + id + "/" + version + "/" + filename
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream, nil)
		if err != nil {
			return nil, err
		}
		resp, err := h.Client.Do(req)
		if err != nil {
			return nil, cmn.WrapUpstreamUnavailable("fetch nuget package", err)
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			resp.Body.Close()
			return nil, cmn.NewNotFoundError("nuget package not found upstream: " + upstream)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, cmn.WrapUpstreamUnavailable("fetch nuget package", fmt.Errorf("unexpected upstream status %d", resp.StatusCode))
		}
		return &cache.FetchResult{Reader: resp.Body, ContentType: "application/octet-stream", Size: resp.ContentLength}, nil
	}

	outcome := h.Engine.Serve(r.Context(), h.Target, strings.ToLower(id), strings.ToLower(version), hook, cache.Options{ContentType: "application/octet-stream"})
	writeOutcome(w, outcome)
}

func (h *Handler) proxyVersionList(w http.ResponseWriter, r *http.Request, id string) {
	h.proxyPassthrough(w, r, "v3-flatcontainer/"+id+"/index.json", "application/json")
}

func (h *Handler) proxyNuspec(w http.ResponseWriter, r *http.Request, id, version, filename string) {
	h.proxyPassthrough(w, r, "v3-flatcontainer/"+id+"/"+version+"/"+filename, "application/xml")
}

func (h *Handler) proxyPassthrough(w http.ResponseWriter, r *http.Request, suffix, contentType string) {
	candidates, err := h.Resolver.Candidates(r.Context(), h.Target, &meta.MemberFilter{Type: meta.TypeProxy})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	for _, c := range candidates {
		upstream := strings.TrimRight(c.Repository.Upstream, "/") + "/" + suffix
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
		w.Header().Set("Content-Type", contentType)
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
