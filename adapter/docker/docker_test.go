/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package docker_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/amargo-project/amargo/adapter/docker"
	"github.com/amargo-project/amargo/artifact"
	"github.com/amargo-project/amargo/cache"
	"github.com/amargo-project/amargo/cmn"
	"github.com/amargo-project/amargo/meta"
	"github.com/amargo-project/amargo/resolver"
	"github.com/amargo-project/amargo/store"
)

func TestDocker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "docker adapter suite")
}

var _ = Describe("docker adapter", func() {
	var (
		private    *httptest.Server
		dockerhub  *httptest.Server
		handler    *docker.Handler
		manifest   = []byte(`{"schemaVersion":2}`)
	)

	BeforeEach(func() {
		private = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		dockerhub = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/v2/library/alpine/manifests/3.19" {
				w.Header().Set("Docker-Content-Digest", "sha256:deadbeef")
				w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
				w.Write(manifest)
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
			ID: "priv", Name: "private", Format: meta.FormatDocker, Type: meta.TypeProxy,
			Upstream: private.URL, Enabled: true,
		})).To(Succeed())
		Expect(ms.UpsertRepository(context.Background(), &meta.Repository{
			ID: "hub", Name: "dockerhub", Format: meta.FormatDocker, Type: meta.TypeProxy,
			Upstream: dockerhub.URL, Enabled: true,
		})).To(Succeed())
		Expect(ms.UpsertGroup(context.Background(), &meta.Group{ID: "g1", Name: "docker", Format: meta.FormatDocker})).To(Succeed())
		Expect(ms.SetGroupMembers(context.Background(), "g1", []meta.GroupMember{
			{GroupID: "g1", RepositoryID: "priv", Priority: 1},
			{GroupID: "g1", RepositoryID: "hub", Priority: 2},
		})).To(Succeed())

		handler = docker.New("docker", engine, res)
	})

	AfterEach(func() {
		private.Close()
		dockerhub.Close()
	})

	It("falls through from a 404 private registry to dockerhub and caches", func() {
		req := httptest.NewRequest(http.MethodGet, "/v2/library/alpine/manifests/3.19", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get(cmn.HeaderRepository)).To(Equal("dockerhub"))
		Expect(w.Header().Get(cmn.HeaderCache)).To(Equal(cmn.CacheStatusMiss))
		Expect(w.Header().Get("Docker-Content-Digest")).To(Equal("sha256:deadbeef"))
		got, _ := io.ReadAll(w.Result().Body)
		Expect(got).To(Equal(manifest))

		Eventually(func() string {
			w2 := httptest.NewRecorder()
			handler.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/v2/library/alpine/manifests/3.19", nil))
			return w2.Header().Get(cmn.HeaderCache)
		}).Should(Equal(cmn.CacheStatusHit))
	})

	It("serves the API version probe", func() {
		req := httptest.NewRequest(http.MethodGet, "/v2/", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get("Docker-Distribution-API-Version")).To(Equal("registry/2.0"))
	})
})
