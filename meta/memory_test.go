/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package meta_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/amargo-project/amargo/meta"
)

var _ = Describe("Memory store", func() {
	var (
		ctx context.Context
		m   *meta.Memory
		ttl = 5 * time.Minute
	)

	BeforeEach(func() {
		ctx = context.Background()
		m = meta.NewMemory()
	})

	It("upserts and fetches a repository by name and id", func() {
		r := &meta.Repository{Name: "npmjs", Format: meta.FormatNPM, Type: meta.TypeProxy, Upstream: "https://registry.npmjs.org"}
		Expect(m.UpsertRepository(ctx, r)).To(Succeed())
		Expect(r.ID).NotTo(BeEmpty())

		byName, err := m.GetRepositoryByName(ctx, "npmjs")
		Expect(err).NotTo(HaveOccurred())
		Expect(byName.ID).To(Equal(r.ID))

		byID, err := m.GetRepository(ctx, r.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(byID.Name).To(Equal("npmjs"))
	})

	It("returns NotFound for an unknown repository", func() {
		_, err := m.GetRepository(ctx, "does-not-exist")
		Expect(meta.IsNotFound(err)).To(BeTrue())
	})

	It("resolves group members sorted by priority then repository name", func() {
		r1 := &meta.Repository{Name: "b-mirror", Format: meta.FormatNPM, Type: meta.TypeProxy}
		r2 := &meta.Repository{Name: "a-mirror", Format: meta.FormatNPM, Type: meta.TypeProxy}
		r3 := &meta.Repository{Name: "hosted", Format: meta.FormatNPM, Type: meta.TypeHosted}
		Expect(m.UpsertRepository(ctx, r1)).To(Succeed())
		Expect(m.UpsertRepository(ctx, r2)).To(Succeed())
		Expect(m.UpsertRepository(ctx, r3)).To(Succeed())

		g := &meta.Group{Name: "npm-group", Format: meta.FormatNPM}
		Expect(m.UpsertGroup(ctx, g)).To(Succeed())
		Expect(m.SetGroupMembers(ctx, g.ID, []meta.GroupMember{
			{GroupID: g.ID, RepositoryID: r1.ID, Priority: 1},
			{GroupID: g.ID, RepositoryID: r2.ID, Priority: 1},
			{GroupID: g.ID, RepositoryID: r3.ID, Priority: 0},
		})).To(Succeed())

		members, err := m.GroupMembers(ctx, g.ID, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(members).To(HaveLen(3))
		Expect(members[0].Repository.Name).To(Equal("hosted"))
		Expect(members[1].Repository.Name).To(Equal("a-mirror"))
		Expect(members[2].Repository.Name).To(Equal("b-mirror"))

		proxyOnly, err := m.GroupMembers(ctx, g.ID, &meta.MemberFilter{Type: meta.TypeProxy})
		Expect(err).NotTo(HaveOccurred())
		Expect(proxyOnly).To(HaveLen(2))
	})

	It("atomically stores an artifact and its cache entry, miss returns nil,nil", func() {
		missing, err := m.GetArtifact(ctx, "repo1", "left-pad", "1.0.0")
		Expect(err).NotTo(HaveOccurred())
		Expect(missing).To(BeNil())

		a := &meta.Artifact{RepositoryID: "repo1", Name: "left-pad", Version: "1.0.0", StorageKey: "repositories/repo1/left-pad/1.0.0/artifact", Size: 42, Digest: "abc"}
		Expect(m.StoreArtifact(ctx, a, ttl)).To(Succeed())

		got, err := m.GetArtifact(ctx, "repo1", "left-pad", "1.0.0")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).NotTo(BeNil())
		Expect(got.Digest).To(Equal("abc"))

		expired, err := m.ExpiredCacheEntries(ctx, time.Now().Add(ttl+time.Minute), 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(expired).To(HaveLen(1))
	})

	It("tolerates TouchLastAccessed on a concurrently deleted artifact", func() {
		Expect(m.TouchLastAccessed(ctx, "repo1", "ghost", "1.0.0", time.Now())).To(Succeed())
	})

	It("records and lists recent downloads, most recent first", func() {
		Expect(m.RecordDownload(ctx, &meta.DownloadEvent{RepositoryID: "repo1", Name: "left-pad", Version: "1.0.0", Timestamp: time.Now()})).To(Succeed())
		Expect(m.RecordDownload(ctx, &meta.DownloadEvent{RepositoryID: "repo1", Name: "left-pad", Version: "1.0.1", Timestamp: time.Now()})).To(Succeed())

		events, err := m.RecentDownloads(ctx, "repo1", "left-pad", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
		Expect(events[0].Version).To(Equal("1.0.1"))
	})
})
