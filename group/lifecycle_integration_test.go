// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

//go:build integration

package group_test

import (
	"log/slog"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/loomkit/loom"
	"github.com/loomkit/loom/group"
)

var _ = Describe("Group lifecycle", func() {
	var (
		root *loom.Context
		mgr  *group.Manager
		runs map[string]int
	)

	register := func(name string) {
		plugin := loom.Describe(loom.Func(func(*loom.Context, any) error {
			runs[name]++
			return nil
		}), loom.Spec{Name: name, Reusable: true})
		Expect(mgr.Register(name, plugin)).To(Succeed())
	}

	BeforeEach(func() {
		root = loom.New(loom.WithLogger(slog.New(slog.DiscardHandler)))
		runs = map[string]int{}

		var err error
		mgr, err = group.NewManager(root)
		Expect(err).NotTo(HaveOccurred())
		register("web")
		register("worker")
	})

	AfterEach(func() {
		root.Stop()
	})

	Describe("loading a descriptor", func() {
		It("runs every effective entry exactly once", func() {
			cfg, err := group.ParseConfig([]byte(`
plugins:
  - name: web
  - name: group
    group:
      - name: worker
      - name: worker
        disabled: true
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.Load(cfg)).To(Succeed())

			Expect(runs["web"]).To(Equal(1))
			Expect(runs["worker"]).To(Equal(1))
		})
	})

	Describe("bouncing a group", func() {
		var gid, enabledID, disabledID string

		BeforeEach(func() {
			var err error
			gid, err = mgr.Create(&group.Entry{
				Name: "group",
				Group: []*group.Entry{
					{Name: "worker"},
					{Name: "worker", Disabled: true},
				},
			}, "")
			Expect(err).NotTo(HaveOccurred())

			for _, info := range mgr.Entries() {
				if info.ParentID != gid {
					continue
				}
				if info.Disabled {
					disabledID = info.ID
				} else {
					enabledID = info.ID
				}
			}
			Expect(enabledID).NotTo(BeEmpty())
			Expect(disabledID).NotTo(BeEmpty())
		})

		It("tears down and recreates only the enabled children", func() {
			off, on := true, false
			Expect(mgr.Update(gid, group.Patch{Disabled: &off}, "")).To(Succeed())

			info, err := mgr.Get(enabledID)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Status).To(Equal(loom.StatusPending))
			Expect(info.Effective).To(BeFalse())

			Expect(mgr.Update(gid, group.Patch{Disabled: &on}, "")).To(Succeed())
			Expect(runs["worker"]).To(Equal(2))

			info, err = mgr.Get(disabledID)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Disabled).To(BeTrue(), "own flags survive the bounce")
			Expect(info.Status).To(Equal(loom.StatusPending))
		})
	})

	Describe("interaction with services", func() {
		It("holds dependent entries until their service appears", func() {
			dependent := loom.Describe(loom.Func(func(*loom.Context, any) error {
				runs["dependent"]++
				return nil
			}), loom.Spec{Name: "dependent", Reusable: true, Inject: loom.Require("db")})
			Expect(mgr.Register("dependent", dependent)).To(Succeed())

			id, err := mgr.Create(&group.Entry{Name: "dependent"}, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(runs["dependent"]).To(BeZero())

			root.SetService("db", "dsn")
			Expect(runs["dependent"]).To(Equal(1))

			info, err := mgr.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Status).To(Equal(loom.StatusActive))

			root.ClearService("db")
			info, err = mgr.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Status).To(Equal(loom.StatusPending))
		})
	})

	Describe("relocating entries", func() {
		It("keeps configuration while moving between groups", func() {
			g1, err := mgr.Create(&group.Entry{Name: "group"}, "")
			Expect(err).NotTo(HaveOccurred())
			g2, err := mgr.Create(&group.Entry{Name: "group"}, "")
			Expect(err).NotTo(HaveOccurred())

			id, err := mgr.Create(&group.Entry{
				Name:   "worker",
				Config: map[string]any{"queue": "mail"},
			}, g1)
			Expect(err).NotTo(HaveOccurred())
			Expect(runs["worker"]).To(Equal(1))

			Expect(mgr.Update(id, group.Patch{}, g2)).To(Succeed())
			Expect(runs["worker"]).To(Equal(2), "relocation reinstalls the entry")

			info, err := mgr.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.ParentID).To(Equal(g2))
			Expect(info.Entry.Config).To(HaveKeyWithValue("queue", "mail"))
		})
	})
})
