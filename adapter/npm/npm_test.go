/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package npm_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/amargo-project/amargo/adapter/npm"
	"github.com/amargo-project/amargo/artifact"
	"github.com/amargo-project/amargo/cache"
	"github.com/amargo-project/amargo/cmn"
	"github.com/amargo-project/amargo/meta"
	"github.com/amargo-project/amargo/resolver"
	"github.com/amargo-project/amargo/store"
)

func TestNPM(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "npm adapter suite")
}

var _ = Describe("npm adapter", func() {
	var (
		upstream *httptest.Server
		handler  *npm.Handler
		body     = []byte("tarball-bytes")
	)

	BeforeEach(func() {
		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/express/-/express-4.18.2.tgz" {
				w.Header().Set("Content-Type", "application/octet-stream")
				w.Write(body)
				return
			}
			http.NotFound(w, r)
		}))

		ms := meta.NewMemory()
		blobs, err := store.NewFS(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		arts := artifact.New(ms, blobs)
		res := resolver.New(ms)
		engine := cache.New(arts, res)

		Expect(ms.UpsertRepository(context.Background(), &meta.Repository{
			ID: "repo1", Name: "npm-proxy", Format: meta.FormatNPM, Type: meta.TypeProxy,
			Upstream: upstream.URL, Enabled: true,
		})).To(Succeed())

		handler = npm.New("npm-proxy", engine, res)
	})

	AfterEach(func() {
		upstream.Close()
	})

	It("is a cold MISS then a warm HIT with matching body", func() {
		req := httptest.NewRequest(http.MethodGet, "/express/-/express-4.18.2.tgz", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get(cmn.HeaderCache)).To(Equal(cmn.CacheStatusMiss))
		got, _ := io.ReadAll(w.Result().Body)
		Expect(got).To(Equal(body))

		Eventually(func() string {
			w2 := httptest.NewRecorder()
			handler.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/express/-/express-4.18.2.tgz", nil))
			return w2.Header().Get(cmn.HeaderCache)
		}).Should(Equal(cmn.CacheStatusHit))

		w3 := httptest.NewRecorder()
		handler.ServeHTTP(w3, httptest.NewRequest(http.MethodGet, "/express/-/express-4.18.2.tgz", nil))
		Expect(w3.Code).To(Equal(http.StatusOK))
		got3, _ := io.ReadAll(w3.Result().Body)
		Expect(got3).To(Equal(body))
		Expect(w3.Header().Get("ETag")).NotTo(BeEmpty())
	})

	It("returns 404 for an unknown package", func() {
		req := httptest.NewRequest(http.MethodGet, "/left-pad/-/left-pad-9.9.9.tgz", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("returns 502 when every upstream candidate is failing, not 200", func() {
		down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
		}))
		defer down.Close()

		ms := meta.NewMemory()
		blobs, err := store.NewFS(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		arts := artifact.New(ms, blobs)
		res := resolver.New(ms)
		engine := cache.New(arts, res)
		Expect(ms.UpsertRepository(context.Background(), &meta.Repository{
			ID: "repo3", Name: "down", Format: meta.FormatNPM, Type: meta.TypeProxy,
			Upstream: down.URL, Enabled: true,
		})).To(Succeed())
		h := npm.New("down", engine, res)

		req := httptest.NewRequest(http.MethodGet, "/express/-/express-4.18.2.tgz", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		Expect(w.Code).To(Equal(http.StatusBadGateway))
	})

	It("parses scoped package tarball requests", func() {
		upstream2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/@scope/pkg/-/pkg-1.0.0.tgz" {
				w.Write(body)
				return
			}
			http.NotFound(w, r)
		}))
		defer upstream2.Close()

		ms := meta.NewMemory()
		blobs, err := store.NewFS(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		arts := artifact.New(ms, blobs)
		res := resolver.New(ms)
		engine := cache.New(arts, res)
		Expect(ms.UpsertRepository(context.Background(), &meta.Repository{
			ID: "repo2", Name: "scoped", Format: meta.FormatNPM, Type: meta.TypeProxy,
			Upstream: upstream2.URL, Enabled: true,
		})).To(Succeed())
		h := npm.New("scoped", engine, res)

		req := httptest.NewRequest(http.MethodGet, "/@scope%2Fpkg/-/pkg-1.0.0.tgz", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		Expect(w.Code).To(Equal(http.StatusOK))
	})
})
