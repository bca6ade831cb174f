/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package maven_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/amargo-project/amargo/adapter/maven"
	"github.com/amargo-project/amargo/artifact"
	"github.com/amargo-project/amargo/cache"
	"github.com/amargo-project/amargo/cmn"
	"github.com/amargo-project/amargo/meta"
	"github.com/amargo-project/amargo/resolver"
	"github.com/amargo-project/amargo/store"
)

func TestMaven(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "maven adapter suite")
}

var _ = Describe("ParsePath", func() {
	It("parses a jar coordinate", func() {
		c, ok := maven.ParsePath("/org/apache/commons/commons-lang3/3.12.0/commons-lang3-3.12.0.jar")
		Expect(ok).To(BeTrue())
		Expect(c.GroupID).To(Equal("org.apache.commons"))
		Expect(c.ArtifactID).To(Equal("commons-lang3"))
		Expect(c.Version).To(Equal("3.12.0"))
		Expect(c.Filename).To(Equal("commons-lang3-3.12.0.jar"))
	})

	It("parses maven-metadata.xml with no version", func() {
		c, ok := maven.ParsePath("/org/apache/commons/commons-lang3/maven-metadata.xml")
		Expect(ok).To(BeTrue())
		Expect(c.GroupID).To(Equal("org.apache.commons"))
		Expect(c.ArtifactID).To(Equal("commons-lang3"))
		Expect(c.Version).To(Equal(""))
	})
})

var _ = Describe("ContentType", func() {
	It("maps extensions per spec", func() {
		Expect(maven.ContentType("x.jar")).To(Equal("application/java-archive"))
		Expect(maven.ContentType("x.pom")).To(Equal("application/xml"))
		Expect(maven.ContentType("x.sha1")).To(Equal("text/plain"))
		Expect(maven.ContentType("x.bin")).To(Equal("application/octet-stream"))
	})
})

var _ = Describe("maven adapter", func() {
	var (
		upstream *httptest.Server
		handler  *maven.Handler
		jarBytes = []byte("jar-bytes")
	)

	BeforeEach(func() {
		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/org/apache/commons/commons-lang3/3.12.0/commons-lang3-3.12.0.jar" {
				w.Write(jarBytes)
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
			ID: "repo1", Name: "maven-proxy", Format: meta.FormatMaven, Type: meta.TypeProxy,
			Upstream: upstream.URL, Enabled: true,
		})).To(Succeed())

		handler = maven.New("maven-proxy", engine, res)
	})

	AfterEach(func() { upstream.Close() })

	It("pulls through a jar as a cold MISS then a warm HIT", func() {
		req := httptest.NewRequest(http.MethodGet, "/org/apache/commons/commons-lang3/3.12.0/commons-lang3-3.12.0.jar", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get(cmn.HeaderCache)).To(Equal(cmn.CacheStatusMiss))
		got, _ := io.ReadAll(w.Result().Body)
		Expect(got).To(Equal(jarBytes))

		Eventually(func() string {
			w2 := httptest.NewRecorder()
			handler.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/org/apache/commons/commons-lang3/3.12.0/commons-lang3-3.12.0.jar", nil))
			return w2.Header().Get(cmn.HeaderCache)
		}).Should(Equal(cmn.CacheStatusHit))
	})
})
