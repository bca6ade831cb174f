/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cache_test

import (
	"context"
	"errors"
	"io"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/amargo-project/amargo/artifact"
	"github.com/amargo-project/amargo/cache"
	"github.com/amargo-project/amargo/cmn"
	"github.com/amargo-project/amargo/meta"
	"github.com/amargo-project/amargo/resolver"
	"github.com/amargo-project/amargo/store"
)

func TestCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "cache suite")
}

type harness struct {
	ms    *meta.Memory
	blobs *store.FS
	svc   *artifact.Service
	eng   *cache.Engine
}

func newHarness() *harness {
	ms := meta.NewMemory()
	blobs, err := store.NewFS(GinkgoT().TempDir())
	Expect(err).NotTo(HaveOccurred())
	svc := artifact.New(ms, blobs)
	res := resolver.New(ms)
	return &harness{ms: ms, blobs: blobs, svc: svc, eng: cache.New(svc, res)}
}

var _ = Describe("Engine.Serve", func() {
	var (
		ctx context.Context
		h   *harness
	)

	BeforeEach(func() {
		ctx = context.Background()
		h = newHarness()
	})

	It("serves a HIT from the highest-priority candidate holding the artifact", func() {
		lo := mustRepo(h, "mirror-lo", meta.TypeProxy, 0)
		hi := mustRepo(h, "mirror-hi", meta.TypeProxy, 0)
		g := mustGroup(h, "npm-group", []memberSpec{{lo, 1}, {hi, 0}})

		_, err := h.svc.Store(ctx, artifact.StoreParams{RepositoryID: hi.ID, RepoName: hi.Name, Name: "left-pad", Version: "1.0.0", ContentType: "application/octet-stream", TTL: minute}, bytesReader("hi-bytes"))
		Expect(err).NotTo(HaveOccurred())
		_, err = h.svc.Store(ctx, artifact.StoreParams{RepositoryID: lo.ID, RepoName: lo.Name, Name: "left-pad", Version: "1.0.0", ContentType: "application/octet-stream", TTL: minute}, bytesReader("lo-bytes"))
		Expect(err).NotTo(HaveOccurred())

		outcome := h.eng.Serve(ctx, g.Name, "left-pad", "1.0.0", failHook, cache.Options{})
		Expect(outcome.Kind).To(Equal(cache.OutcomeHit))
		Expect(outcome.RepositoryName).To(Equal(hi.Name))
		body, _ := io.ReadAll(outcome.Reader)
		Expect(string(body)).To(Equal("hi-bytes"))
	})

	It("falls through to the next proxy candidate on upstream NotFound", func() {
		p1 := mustRepo(h, "p1", meta.TypeProxy, 0)
		p2 := mustRepo(h, "p2", meta.TypeProxy, 0)
		g := mustGroup(h, "grp", []memberSpec{{p1, 0}, {p2, 1}})

		hook := func(_ context.Context, repo meta.Repository) (*cache.FetchResult, error) {
			if repo.ID == p1.ID {
				return nil, cmn.NewNotFoundError("p1 miss")
			}
			return &cache.FetchResult{Reader: io.NopCloser(bytesReader("body-from-p2")), ContentType: "application/octet-stream", Size: -1}, nil
		}

		outcome := h.eng.Serve(ctx, g.Name, "pkg", "1.0.0", hook, cache.Options{})
		Expect(outcome.Kind).To(Equal(cache.OutcomeMiss))
		Expect(outcome.RepositoryName).To(Equal(p2.Name))
		body, _ := io.ReadAll(outcome.Reader)
		Expect(string(body)).To(Equal("body-from-p2"))

		a, err := outcome.InfoPromise.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.RepositoryID).To(Equal(p2.ID))
	})

	It("aborts the pass on a non-NotFound upstream error, never falling through", func() {
		p1 := mustRepo(h, "p1", meta.TypeProxy, 0)
		p2 := mustRepo(h, "p2", meta.TypeProxy, 0)
		g := mustGroup(h, "grp2", []memberSpec{{p1, 0}, {p2, 1}})

		called2 := false
		hook := func(_ context.Context, repo meta.Repository) (*cache.FetchResult, error) {
			if repo.ID == p1.ID {
				return nil, cmn.WrapUpstreamUnavailable("p1 5xx", errors.New("boom"))
			}
			called2 = true
			return &cache.FetchResult{Reader: io.NopCloser(bytesReader("unreachable")), Size: -1}, nil
		}

		outcome := h.eng.Serve(ctx, g.Name, "pkg", "1.0.0", hook, cache.Options{})
		Expect(outcome.Kind).To(Equal(cache.OutcomeError))
		Expect(called2).To(BeFalse())
	})

	It("tees identical bytes to the caller and the store", func() {
		p1 := mustRepo(h, "solo", meta.TypeProxy, 0)
		payload := make([]byte, 256*1024)
		for i := range payload {
			payload[i] = byte(i % 251)
		}
		hook := func(_ context.Context, _ meta.Repository) (*cache.FetchResult, error) {
			return &cache.FetchResult{Reader: io.NopCloser(bytesReader(string(payload))), ContentType: "application/octet-stream", Size: -1}, nil
		}

		outcome := h.eng.Serve(ctx, p1.Name, "big", "2.0.0", hook, cache.Options{})
		Expect(outcome.Kind).To(Equal(cache.OutcomeMiss))
		callerBytes, err := io.ReadAll(outcome.Reader)
		Expect(err).NotTo(HaveOccurred())
		Expect(callerBytes).To(Equal(payload))

		a, err := outcome.InfoPromise.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())

		rc, _, err := h.svc.Open(ctx, a)
		Expect(err).NotTo(HaveOccurred())
		defer rc.Close()
		storedBytes, err := io.ReadAll(rc)
		Expect(err).NotTo(HaveOccurred())
		Expect(storedBytes).To(Equal(payload))
	})

	It("completes the store sink even if the caller disconnects early", func() {
		p1 := mustRepo(h, "solo2", meta.TypeProxy, 0)
		payload := []byte("ten megabytes worth of pretend upstream content, truncated for the test")
		hook := func(_ context.Context, _ meta.Repository) (*cache.FetchResult, error) {
			return &cache.FetchResult{Reader: io.NopCloser(bytesReader(string(payload))), ContentType: "application/octet-stream", Size: -1}, nil
		}

		outcome := h.eng.Serve(ctx, p1.Name, "disc", "1.0.0", hook, cache.Options{})
		Expect(outcome.Kind).To(Equal(cache.OutcomeMiss))

		// Caller reads one byte then disconnects (stops reading / closes).
		buf := make([]byte, 1)
		_, _ = outcome.Reader.Read(buf)
		outcome.Reader.Close()

		a, err := outcome.InfoPromise.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Size).To(Equal(int64(len(payload))))

		second := h.eng.Serve(ctx, p1.Name, "disc", "1.0.0", failHook, cache.Options{})
		Expect(second.Kind).To(Equal(cache.OutcomeHit))
	})
})

type memberSpec struct {
	repo     meta.Repository
	priority int
}

func mustRepo(h *harness, name string, typ meta.RepoType, ttlSeconds int) meta.Repository {
	r := &meta.Repository{Name: name, Format: meta.FormatNPM, Type: typ, Upstream: "https://upstream.example/" + name, DefaultTTL: minute}
	Expect(h.ms.UpsertRepository(context.Background(), r)).To(Succeed())
	return *r
}

func mustGroup(h *harness, name string, members []memberSpec) meta.Group {
	g := &meta.Group{Name: name, Format: meta.FormatNPM}
	Expect(h.ms.UpsertGroup(context.Background(), g)).To(Succeed())
	gms := make([]meta.GroupMember, 0, len(members))
	for _, m := range members {
		gms = append(gms, meta.GroupMember{GroupID: g.ID, RepositoryID: m.repo.ID, Priority: m.priority})
	}
	Expect(h.ms.SetGroupMembers(context.Background(), g.ID, gms)).To(Succeed())
	return *g
}

func failHook(_ context.Context, _ meta.Repository) (*cache.FetchResult, error) {
	return nil, cmn.NewNotFoundError("should not be called")
}

const minute = 60_000_000_000 // time.Minute in nanoseconds, untyped so it assigns directly to time.Duration fields

func bytesReader(s string) io.Reader {
	return &onceReader{data: []byte(s)}
}

type onceReader struct {
	data []byte
	off  int
}

func (r *onceReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}
