/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package hk_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/amargo-project/amargo/hk"
	"github.com/amargo-project/amargo/meta"
	"github.com/amargo-project/amargo/store"
)

func TestHK(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "hk suite")
}

var _ = Describe("Evictor.Sweep", func() {
	var (
		ctx   context.Context
		ms    *meta.Memory
		blobs *store.FS
	)

	BeforeEach(func() {
		ctx = context.Background()
		ms = meta.NewMemory()
		var err error
		blobs, err = store.NewFS(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
	})

	It("removes expired artifacts, cache entries and blobs in one pass", func() {
		a := &meta.Artifact{RepositoryID: "repo1", Name: "pkg", Version: "1.0.0", StorageKey: "repositories/repo1/pkg/1.0.0/artifact", Size: 3}
		Expect(blobs.Put(ctx, a.StorageKey, bytes.NewReader([]byte("abc")), "application/octet-stream")).To(Succeed())
		Expect(ms.StoreArtifact(ctx, a, -time.Hour)).To(Succeed()) // already expired

		ev := hk.NewEvictor(ms, blobs, 100, 4)
		Expect(ev.Sweep(ctx)).To(Succeed())

		got, err := ms.GetArtifact(ctx, "repo1", "pkg", "1.0.0")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeNil())

		exists, err := blobs.Exists(ctx, a.StorageKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeFalse())

		remaining, err := ms.ExpiredCacheEntries(ctx, time.Now().Add(time.Hour), 100)
		Expect(err).NotTo(HaveOccurred())
		Expect(remaining).To(BeEmpty())
	})

	It("leaves non-expired artifacts untouched", func() {
		a := &meta.Artifact{RepositoryID: "repo1", Name: "fresh", Version: "1.0.0", StorageKey: "repositories/repo1/fresh/1.0.0/artifact", Size: 3}
		Expect(blobs.Put(ctx, a.StorageKey, bytes.NewReader([]byte("abc")), "application/octet-stream")).To(Succeed())
		Expect(ms.StoreArtifact(ctx, a, time.Hour)).To(Succeed())

		ev := hk.NewEvictor(ms, blobs, 100, 4)
		Expect(ev.Sweep(ctx)).To(Succeed())

		got, err := ms.GetArtifact(ctx, "repo1", "fresh", "1.0.0")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).NotTo(BeNil())
	})
})

var _ = Describe("Housekeeper", func() {
	It("runs a registered task immediately and then on each tick", func() {
		h := hk.New()
		calls := make(chan struct{}, 8)
		h.Reg("test-task", 20*time.Millisecond, func(context.Context) {
			select {
			case calls <- struct{}{}:
			default:
			}
		})
		ctx, cancel := context.WithCancel(context.Background())
		h.Start(ctx)
		Eventually(calls).Should(Receive()) // immediate run
		Eventually(calls).Should(Receive()) // first tick
		cancel()
		h.Stop()
	})
})
