/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package pypi_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/amargo-project/amargo/adapter/pypi"
	"github.com/amargo-project/amargo/artifact"
	"github.com/amargo-project/amargo/cache"
	"github.com/amargo-project/amargo/cmn"
	"github.com/amargo-project/amargo/meta"
	"github.com/amargo-project/amargo/resolver"
	"github.com/amargo-project/amargo/store"
)

func TestPyPI(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "pypi adapter suite")
}

var _ = Describe("NormalizeName", func() {
	It("lowercases and collapses separators", func() {
		Expect(pypi.NormalizeName("Django_REST.Framework")).To(Equal("django-rest-framework"))
	})
})

var _ = Describe("pypi adapter", func() {
	var (
		upstream *httptest.Server
		handler  *pypi.Handler
		body     = []byte("wheel-bytes")
	)

	BeforeEach(func() {
		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.URL.Path == "/simple/requests/":
				w.Header().Set("Content-Type", "text/html")
				w.Write([]byte(`<a href="../../packages/aa/bb/requests-2.31.0-py3-none-any.whl">requests-2.31.0-py3-none-any.whl</a>`))
			case r.URL.Path == "/packages/aa/bb/requests-2.31.0-py3-none-any.whl":
				w.Write(body)
			default:
				http.NotFound(w, r)
			}
		}))

		ms := meta.NewMemory()
		blobs, err := store.NewFS(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		arts := artifact.New(ms, blobs)
		res := resolver.New(ms)
		engine := cache.New(arts, res)
		Expect(ms.UpsertRepository(context.Background(), &meta.Repository{
			ID: "repo1", Name: "pypi-proxy", Format: meta.FormatPyPI, Type: meta.TypeProxy,
			Upstream: upstream.URL, Enabled: true,
		})).To(Succeed())

		handler = pypi.New("pypi-proxy", engine, res)
	})

	AfterEach(func() { upstream.Close() })

	It("rewrites package hrefs in the simple index", func() {
		req := httptest.NewRequest(http.MethodGet, "/simple/requests/", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		html := w.Body.String()
		Expect(strings.Contains(html, `href="/pypi/packages/aa/bb/requests-2.31.0-py3-none-any.whl"`)).To(BeTrue())
	})

	It("pulls through a wheel file as a cold MISS then warm HIT", func() {
		req := httptest.NewRequest(http.MethodGet, "/packages/aa/bb/requests-2.31.0-py3-none-any.whl", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get(cmn.HeaderCache)).To(Equal(cmn.CacheStatusMiss))
		got, _ := io.ReadAll(w.Result().Body)
		Expect(got).To(Equal(body))

		Eventually(func() string {
			w2 := httptest.NewRecorder()
			handler.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/packages/aa/bb/requests-2.31.0-py3-none-any.whl", nil))
			return w2.Header().Get(cmn.HeaderCache)
		}).Should(Equal(cmn.CacheStatusHit))
	})
})
