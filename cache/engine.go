// Package cache implements the cache engine (C5): the composite operation
// consumed by every protocol adapter, combining the group resolver, the
// artifact service and an adapter-supplied upstream-fetch hook into one
// serve call.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cache

import (
	"context"
	"io"
	"time"

	"github.com/amargo-project/amargo/artifact"
	"github.com/amargo-project/amargo/cmn"
	"github.com/amargo-project/amargo/meta"
	"github.com/amargo-project/amargo/resolver"
)

// FetchResult is what a fetch-hook returns on success.
type FetchResult struct {
	Reader      io.ReadCloser
	ContentType string
	Digest      string // upstream-reported content digest, e.g. "sha256:...", if any
	Size        int64  // -1 if unknown
}

// FetchHook is the adapter-supplied closure that knows how to build and
// execute the upstream request for one candidate repository (spec §4.5).
// It returns (nil, cmn.NewNotFoundError(...)) to signal "try the next
// candidate" and any other error to abort the pass.
type FetchHook func(ctx context.Context, candidate meta.Repository) (*FetchResult, error)

// Options carries per-request store parameters the adapter already knows
// (spec §4.5 "options carry the content-type default and metadata to attach
// on store").
type Options struct {
	ContentType string
	Metadata    map[string]string
}

// OutcomeKind discriminates the sum-typed Outcome (spec §4.5 / §9: replace
// exceptions with explicit sum-typed outcomes).
type OutcomeKind int

const (
	OutcomeHit OutcomeKind = iota
	OutcomeMiss
	OutcomeNotFound
	OutcomeError
)

// InfoPromise completes once the background store finishes, letting tests
// await cache population after a MISS without blocking the caller's stream.
type InfoPromise struct {
	done chan struct{}
	info *meta.Artifact
	err  error
}

func newInfoPromise() *InfoPromise {
	return &InfoPromise{done: make(chan struct{})}
}

func (p *InfoPromise) complete(info *meta.Artifact, err error) {
	p.info, p.err = info, err
	close(p.done)
}

// Wait blocks until the store completes or ctx is done.
func (p *InfoPromise) Wait(ctx context.Context) (*meta.Artifact, error) {
	select {
	case <-p.done:
		return p.info, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Outcome is the result of Serve (spec §4.5).
type Outcome struct {
	Kind           OutcomeKind
	RepositoryName string
	Reader         io.ReadCloser
	Info           *meta.Artifact
	InfoPromise    *InfoPromise
	UpstreamDigest string // set on OutcomeMiss from FetchResult.Digest, if the hook supplied one
	Err            error
}

// Engine is C5, built over the artifact service and the group resolver.
type Engine struct {
	artifacts *artifact.Service
	resolver  *resolver.Resolver
	metrics   *Metrics
}

func New(artifacts *artifact.Service, resolver *resolver.Resolver) *Engine {
	return &Engine{artifacts: artifacts, resolver: resolver}
}

// WithMetrics attaches a Prometheus metrics sink; Serve reports every
// outcome to it. Returns e for chaining at construction time.
func (e *Engine) WithMetrics(m *Metrics) *Engine {
	e.metrics = m
	return e
}

// Serve is the single operation every adapter calls (spec §4.5 algorithm).
func (e *Engine) Serve(ctx context.Context, logicalTarget, name, version string, hook FetchHook, opts Options) (out Outcome) {
	defer func() { e.metrics.observe(out.Kind) }()

	candidates, err := e.resolver.Candidates(ctx, logicalTarget, nil)
	if err != nil {
		if cmn.IsNotFound(err) {
			return Outcome{Kind: OutcomeNotFound}
		}
		return Outcome{Kind: OutcomeError, Err: err}
	}

	// Step 2: cache-lookup pass, strictly sequential in priority order.
	for _, c := range candidates {
		a, lookupErr := e.artifacts.Lookup(ctx, c.Repository.ID, name, version)
		if lookupErr != nil {
			// Fail-open: a lookup error degrades to a miss for this candidate,
			// per spec §7 propagation policy.
			continue
		}
		if a != nil {
			rc, head, openErr := e.artifacts.Open(ctx, a)
			if openErr != nil {
				continue
			}
			_ = head
			e.artifacts.TouchAsync(c.Repository.ID, name, version)
			e.artifacts.RecordDownloadAsync(meta.DownloadEvent{RepositoryID: c.Repository.ID, Name: name, Version: version})
			return Outcome{Kind: OutcomeHit, RepositoryName: c.Repository.Name, Reader: rc, Info: a}
		}
	}

	// Step 3: upstream pass, proxy candidates only, same priority order.
	proxyCandidates := make([]resolver.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Repository.Type == meta.TypeProxy && c.Repository.Upstream != "" {
			proxyCandidates = append(proxyCandidates, c)
		}
	}

	for _, c := range proxyCandidates {
		result, fetchErr := hook(ctx, c.Repository)
		if fetchErr != nil {
			if cmn.IsNotFound(fetchErr) {
				continue // 404/410: try next candidate
			}
			return Outcome{Kind: OutcomeError, Err: fetchErr} // abort, do not fall through on 5xx/401
		}

		// Step 4/5: tee-and-store, then Miss.
		callerR, storeR := tee(result.Reader)
		promise := newInfoPromise()
		go e.storeInBackground(c.Repository, name, version, result, opts, storeR, promise)
		e.artifacts.RecordDownloadAsync(meta.DownloadEvent{RepositoryID: c.Repository.ID, Name: name, Version: version})

		return Outcome{
			Kind:           OutcomeMiss,
			RepositoryName: c.Repository.Name,
			Reader:         callerR,
			InfoPromise:    promise,
			UpstreamDigest: result.Digest,
		}
	}

	return Outcome{Kind: OutcomeNotFound}
}

// storeInBackground consumes the store-side of the tee to completion and
// persists it via the artifact service, independent of whether the caller
// is still reading its own side (spec §4.5 step 4: caller disconnect must
// not abort the store sink).
func (e *Engine) storeInBackground(repo meta.Repository, name, version string, result *FetchResult, opts Options, r io.ReadCloser, promise *InfoPromise) {
	defer r.Close()

	ttl := repo.DefaultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	contentType := result.ContentType
	if contentType == "" {
		contentType = opts.ContentType
	}

	a, err := e.artifacts.Store(context.Background(), artifact.StoreParams{
		RepositoryID: repo.ID,
		RepoName:     repo.Name,
		Name:         name,
		Version:      version,
		ContentType:  contentType,
		Metadata:     opts.Metadata,
		TTL:          ttl,
	}, r)
	if err != nil {
		promise.complete(nil, err)
		return
	}
	promise.complete(a, nil)
}

