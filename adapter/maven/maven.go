// Package maven adapts the Maven 2 repository layout to the cache engine
// (spec §6 "Maven"): every GAV coordinate file is pull-through cached by
// (repository-or-group, group:artifact-id:filename, version);
// maven-metadata.xml is proxied without caching.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package maven

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

// Handler serves one logical Maven target: a single repository or a group.
type Handler struct {
	Target   string
	Engine   *cache.Engine
	Resolver *resolver.Resolver
	Client   *http.Client
}

func New(target string, engine *cache.Engine, res *resolver.Resolver) *Handler {
	return &Handler{Target: target, Engine: engine, Resolver: res, Client: cmn.NewClient(cmn.TransportArgs{})}
}

// Coordinate is a parsed Maven path (spec §6 parsing rule).
type Coordinate struct {
	GroupID    string
	ArtifactID string
	Version    string // empty for maven-metadata.xml
	Filename   string
}

// ParsePath applies the spec §6 parsing rule: the last segment is the
// filename; if it is maven-metadata.xml, the segment before it is the
// artifact id and everything before that (dot-joined) is the group id, with
// no version. Otherwise the last three segments are
// (artifact-id, version, filename).
func ParsePath(path string) (Coordinate, bool) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 {
		return Coordinate{}, false
	}
	filename := segments[len(segments)-1]

	if filename == "maven-metadata.xml" {
		if len(segments) < 3 {
			return Coordinate{}, false
		}
		artifactID := segments[len(segments)-2]
		groupID := strings.Join(segments[:len(segments)-2], ".")
		return Coordinate{GroupID: groupID, ArtifactID: artifactID, Filename: filename}, true
	}

	if len(segments) < 4 {
		return Coordinate{}, false
	}
	n := len(segments)
	artifactID, version := segments[n-3], segments[n-2]
	groupID := strings.Join(segments[:n-3], ".")
	return Coordinate{GroupID: groupID, ArtifactID: artifactID, Version: version, Filename: filename}, true
}

// ContentType maps a Maven filename extension to its content type (spec §6).
func ContentType(filename string) string {
	switch {
	case hasAnySuffix(filename, ".jar", ".war", ".ear"):
		return "application/java-archive"
	case hasAnySuffix(filename, ".pom", ".xml"):
		return "application/xml"
	case hasAnySuffix(filename, ".sha1", ".md5", ".asc"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	coord, ok := ParsePath(r.URL.Path)
	if !ok {
		httputil.WriteError(w, cmn.NewInvalidRequestError("cannot parse maven path: "+r.URL.Path))
		return
	}

	if coord.Version == "" {
		h.proxyMetadata(w, r, coord)
		return
	}

	name := coord.GroupID + ":" + coord.ArtifactID + ":" + coord.Filename
	hook := func(ctx context.Context, repo meta.Repository) (*cache.FetchResult, error) {
		upstream := strings.TrimRight(repo.Upstream, "/") + "/" + groupPath(coord.GroupID) + "/" + coord.ArtifactID + "/" + coord.Version + "/" + coord.Filename
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream, nil)
		if err != nil {
			return nil, err
		}
		resp, err := h.Client.Do(req)
		if err != nil {
			return nil, cmn.WrapUpstreamUnavailable("fetch maven artifact", err)
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			resp.Body.Close()
			return nil, cmn.NewNotFoundError("maven artifact not found upstream: " + upstream)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, cmn.WrapUpstreamUnavailable("fetch maven artifact", fmt.Errorf("unexpected upstream status %d", resp.StatusCode))
		}
		return &cache.FetchResult{Reader: resp.Body, ContentType: ContentType(coord.Filename), Size: resp.ContentLength}, nil
	}

	outcome := h.Engine.Serve(r.Context(), h.Target, name, coord.Version, hook, cache.Options{ContentType: ContentType(coord.Filename)})
	writeOutcome(w, outcome)
}

func groupPath(groupID string) string {
	return strings.ReplaceAll(groupID, ".", "/")
}

// proxyMetadata handles maven-metadata.xml, a mutable document never routed
// through the cache engine.
func (h *Handler) proxyMetadata(w http.ResponseWriter, r *http.Request, coord Coordinate) {
	candidates, err := h.Resolver.Candidates(r.Context(), h.Target, &meta.MemberFilter{Type: meta.TypeProxy})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	for _, c := range candidates {
		upstream := strings.TrimRight(c.Repository.Upstream, "/") + "/" + groupPath(coord.GroupID) + "/" + coord.ArtifactID + "/maven-metadata.xml"
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
		w.Header().Set("Content-Type", "application/xml")
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
