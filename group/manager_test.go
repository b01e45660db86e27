// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

package group_test

import (
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomkit/loom"
	"github.com/loomkit/loom/group"
)

// harness wires a quiet kernel, a manager, and a reusable counting plugin
// registered under "echo".
type harness struct {
	root *loom.Context
	mgr  *group.Manager
	runs map[string]int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := loom.New(loom.WithLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(root.Stop)

	mgr, err := group.NewManager(root)
	require.NoError(t, err)

	h := &harness{root: root, mgr: mgr, runs: map[string]int{}}
	require.NoError(t, mgr.Register("echo", h.countingPlugin("echo")))
	return h
}

// countingPlugin counts body invocations under the given key. Each call
// builds a distinct body, so distinct catalog names stay distinct plugins.
func (h *harness) countingPlugin(key string) any {
	return loom.Describe(loom.Func(func(*loom.Context, any) error {
		h.runs[key]++
		return nil
	}), loom.Spec{Name: key, Reusable: true})
}

// statuses maps entry id to its reported status.
func (h *harness) statuses() map[string]loom.Status {
	out := map[string]loom.Status{}
	for _, info := range h.mgr.Entries() {
		out[info.ID] = info.Status
	}
	return out
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	code, ok := oopsErr.Code().(string)
	require.True(t, ok)
	return code
}

func TestManager_Register(t *testing.T) {
	h := newHarness(t)

	body := loom.Func(func(*loom.Context, any) error { return nil })
	assert.Equal(t, group.CodeDuplicateCatalogRef, errCode(t, h.mgr.Register("echo", body)))
	assert.Equal(t, group.CodeEntryInvalid, errCode(t, h.mgr.Register("Bad Name", body)))
	assert.Equal(t, group.CodeEntryInvalid, errCode(t, h.mgr.Register("group", body)))
	assert.NoError(t, h.mgr.Register("relay", body))
}

func TestManager_LoadInstantiates(t *testing.T) {
	h := newHarness(t)

	cfg, err := group.ParseConfig([]byte(`
plugins:
  - name: echo
  - name: group
    group:
      - name: echo
      - name: echo
        disabled: true
`))
	require.NoError(t, err)
	require.NoError(t, h.mgr.Load(cfg))

	assert.Equal(t, 2, h.runs["echo"], "disabled entries must not run")

	entries := h.mgr.Entries()
	require.Len(t, entries, 4)
	active, pending := 0, 0
	for _, info := range entries {
		switch info.Status {
		case loom.StatusActive:
			active++
		case loom.StatusPending:
			pending++
		}
	}
	assert.Equal(t, 3, active)
	assert.Equal(t, 1, pending)
}

func TestManager_CreateUnderGroup(t *testing.T) {
	h := newHarness(t)

	gid, err := h.mgr.Create(&group.Entry{Name: "group"}, "")
	require.NoError(t, err)

	id, err := h.mgr.Create(&group.Entry{Name: "echo"}, gid)
	require.NoError(t, err)
	assert.Equal(t, 1, h.runs["echo"])

	info, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, gid, info.ParentID)
	assert.Equal(t, loom.StatusActive, info.Status)
	assert.True(t, info.Effective)
}

func TestManager_CreateErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.Create(&group.Entry{Name: "ghost"}, "")
	assert.Equal(t, group.CodeUnknownPlugin, errCode(t, err))

	_, err = h.mgr.Create(&group.Entry{Name: "Bad"}, "")
	assert.Equal(t, group.CodeEntryInvalid, errCode(t, err))

	_, err = h.mgr.Create(&group.Entry{Name: "echo"}, "no-such-id")
	assert.Equal(t, group.CodeEntryNotFound, errCode(t, err))

	leaf, err := h.mgr.Create(&group.Entry{Name: "echo"}, "")
	require.NoError(t, err)
	_, err = h.mgr.Create(&group.Entry{Name: "echo"}, leaf)
	assert.Equal(t, group.CodeNotAGroup, errCode(t, err))

	_, err = h.mgr.Create(&group.Entry{ID: leaf, Name: "echo"}, "")
	assert.Equal(t, group.CodeDuplicateEntry, errCode(t, err))
}

func TestManager_UpdateConfig(t *testing.T) {
	h := newHarness(t)

	var configs []any
	plugin := loom.Describe(loom.Func(func(_ *loom.Context, config any) error {
		configs = append(configs, config)
		return nil
	}), loom.Spec{Name: "configured", Reusable: true})
	require.NoError(t, h.mgr.Register("configured", plugin))

	id, err := h.mgr.Create(&group.Entry{Name: "configured", Config: map[string]any{"n": 1}}, "")
	require.NoError(t, err)
	require.Len(t, configs, 1)

	require.NoError(t, h.mgr.Update(id, group.Patch{Config: map[string]any{"n": 2}}, ""))
	require.Len(t, configs, 2)
	assert.Equal(t, map[string]any{"n": 2}, configs[1])

	info, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 2}, info.Entry.Config)
}

func TestManager_DisableEnableLeaf(t *testing.T) {
	h := newHarness(t)

	id, err := h.mgr.Create(&group.Entry{Name: "echo"}, "")
	require.NoError(t, err)
	require.Equal(t, 1, h.runs["echo"])

	off, on := true, false
	require.NoError(t, h.mgr.Update(id, group.Patch{Disabled: &off}, ""))
	info, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.True(t, info.Disabled)
	assert.False(t, info.Effective)
	assert.Equal(t, loom.StatusPending, info.Status)

	require.NoError(t, h.mgr.Update(id, group.Patch{Disabled: &on}, ""))
	assert.Equal(t, 2, h.runs["echo"])
}

func TestManager_GroupDisableCascades(t *testing.T) {
	h := newHarness(t)

	gid, err := h.mgr.Create(&group.Entry{
		Name: "group",
		Group: []*group.Entry{
			{Name: "echo"},
			{Name: "echo", Disabled: true},
		},
	}, "")
	require.NoError(t, err)
	require.Equal(t, 1, h.runs["echo"])

	off, on := true, false
	require.NoError(t, h.mgr.Update(gid, group.Patch{Disabled: &off}, ""))

	for id, st := range h.statuses() {
		assert.Equal(t, loom.StatusPending, st, "entry %s", id)
	}
	for _, info := range h.mgr.Entries() {
		if info.ID != gid {
			assert.False(t, info.Effective, "entry %s under a disabled group", info.ID)
		}
	}

	// Re-enabling the group recreates exactly the children whose own
	// flag is enabled; the individually disabled child never runs.
	require.NoError(t, h.mgr.Update(gid, group.Patch{Disabled: &on}, ""))
	assert.Equal(t, 2, h.runs["echo"])

	var ownFlags []bool
	for _, info := range h.mgr.Entries() {
		if info.ID != gid {
			ownFlags = append(ownFlags, info.Disabled)
		}
	}
	assert.ElementsMatch(t, []bool{false, true}, ownFlags, "own flags survive the bounce")
}

func TestManager_SiblingGroupsWithDisabledChildren(t *testing.T) {
	h := newHarness(t)

	rootGroup, err := h.mgr.Create(&group.Entry{
		Name: "group",
		Group: []*group.Entry{
			{Name: "group", Group: []*group.Entry{{Name: "echo", Disabled: true}}},
			{Name: "group", Group: []*group.Entry{{Name: "echo", Disabled: true}}},
		},
	}, "")
	require.NoError(t, err)
	require.Zero(t, h.runs["echo"])

	// Bouncing the root group must not run individually disabled leaves.
	off, on := true, false
	require.NoError(t, h.mgr.Update(rootGroup, group.Patch{Disabled: &off}, ""))
	require.NoError(t, h.mgr.Update(rootGroup, group.Patch{Disabled: &on}, ""))
	assert.Zero(t, h.runs["echo"])

	// Enabling each leaf individually runs it exactly once.
	var leaves []string
	for _, info := range h.mgr.Entries() {
		if info.Name == "echo" {
			leaves = append(leaves, info.ID)
		}
	}
	require.Len(t, leaves, 2)

	for i, id := range leaves {
		require.NoError(t, h.mgr.Update(id, group.Patch{Disabled: &on}, ""))
		assert.Equal(t, i+1, h.runs["echo"])
	}
}

func TestManager_NestedGroupEnablement(t *testing.T) {
	h := newHarness(t)

	outer, err := h.mgr.Create(&group.Entry{
		Name: "group",
		Group: []*group.Entry{
			{Name: "group", Group: []*group.Entry{{Name: "echo"}}},
		},
	}, "")
	require.NoError(t, err)
	require.Equal(t, 1, h.runs["echo"])

	off := true
	require.NoError(t, h.mgr.Update(outer, group.Patch{Disabled: &off}, ""))
	for _, info := range h.mgr.Entries() {
		if info.ID == outer {
			continue
		}
		assert.False(t, info.Effective, "descendants of a disabled group are ineffective")
		assert.Equal(t, loom.StatusPending, info.Status)
	}
}

func TestManager_TransferPreservesOwnFlag(t *testing.T) {
	h := newHarness(t)

	g1, err := h.mgr.Create(&group.Entry{Name: "group"}, "")
	require.NoError(t, err)
	g2, err := h.mgr.Create(&group.Entry{Name: "group"}, "")
	require.NoError(t, err)

	id, err := h.mgr.Create(&group.Entry{Name: "echo", Disabled: true}, g1)
	require.NoError(t, err)
	require.Zero(t, h.runs["echo"])

	require.NoError(t, h.mgr.Update(id, group.Patch{}, g2))

	info, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, g2, info.ParentID)
	assert.True(t, info.Disabled, "relocation must not change the own flag")
	assert.Zero(t, h.runs["echo"], "a disabled entry stays disabled across groups")
}

func TestManager_TransferIntoEnabledGroupActivates(t *testing.T) {
	h := newHarness(t)

	g1, err := h.mgr.Create(&group.Entry{Name: "group", Disabled: true}, "")
	require.NoError(t, err)
	g2, err := h.mgr.Create(&group.Entry{Name: "group"}, "")
	require.NoError(t, err)

	id, err := h.mgr.Create(&group.Entry{Name: "echo"}, g1)
	require.NoError(t, err)
	require.Zero(t, h.runs["echo"], "the disabled ancestor chain gates the entry")

	require.NoError(t, h.mgr.Update(id, group.Patch{}, g2))
	assert.Equal(t, 1, h.runs["echo"])

	info, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.True(t, info.Effective)
	assert.Equal(t, loom.StatusActive, info.Status)
}

func TestManager_TransferCycleRejected(t *testing.T) {
	h := newHarness(t)

	outer, err := h.mgr.Create(&group.Entry{
		Name:  "group",
		Group: []*group.Entry{{Name: "group"}},
	}, "")
	require.NoError(t, err)

	var inner string
	for _, info := range h.mgr.Entries() {
		if info.ParentID == outer {
			inner = info.ID
		}
	}
	require.NotEmpty(t, inner)

	err = h.mgr.Update(outer, group.Patch{}, inner)
	assert.Equal(t, group.CodeEntryCycle, errCode(t, err))
}

func TestManager_VersionGate(t *testing.T) {
	h := newHarness(t)

	versioned := loom.Describe(loom.Func(func(*loom.Context, any) error {
		h.runs["versioned"]++
		return nil
	}), loom.Spec{Name: "versioned", Reusable: true, Version: "1.2.3"})
	require.NoError(t, h.mgr.Register("versioned", versioned))

	ok, err := h.mgr.Create(&group.Entry{Name: "versioned", Version: "^1.0"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, h.runs["versioned"])

	bad, err := h.mgr.Create(&group.Entry{Name: "versioned", Version: "^2.0"}, "")
	require.NoError(t, err, "an unsatisfied constraint holds the entry, it does not error")
	assert.Equal(t, 1, h.runs["versioned"])

	infoOK, err := h.mgr.Get(ok)
	require.NoError(t, err)
	assert.Equal(t, loom.StatusActive, infoOK.Status)

	infoBad, err := h.mgr.Get(bad)
	require.NoError(t, err)
	assert.Equal(t, loom.StatusPending, infoBad.Status)
}

func TestManager_VersionGateWithoutDeclaredVersion(t *testing.T) {
	h := newHarness(t)

	// "echo" declares no version, so any constraint is unsatisfied.
	id, err := h.mgr.Create(&group.Entry{Name: "echo", Version: "^1.0"}, "")
	require.NoError(t, err)
	assert.Zero(t, h.runs["echo"])

	info, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, loom.StatusPending, info.Status)
}

type gatedPlugin struct {
	version string
	runs    *int
}

func (p *gatedPlugin) Apply(*loom.Context, any) error {
	*p.runs++
	return nil
}

func (p *gatedPlugin) PluginSpec() loom.Spec {
	return loom.Spec{Name: "gated", Reusable: true, Version: p.version}
}

func TestManager_VersionGateLiftsOnUpgrade(t *testing.T) {
	h := newHarness(t)

	var runs int
	require.NoError(t, h.mgr.Register("gated", &gatedPlugin{version: "1.0.0", runs: &runs}))

	id, err := h.mgr.Create(&group.Entry{Name: "gated", Version: "^2.0"}, "")
	require.NoError(t, err)
	assert.Zero(t, runs)

	// Installing an upgraded instance refreshes the registry entry, which
	// lifts the gate on the held entry.
	_, err = h.root.Plugin(&gatedPlugin{version: "2.1.0", runs: &runs}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, runs)

	info, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, loom.StatusActive, info.Status)
}

func TestManager_DistinctCatalogClosuresStayDistinct(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Register("relay", h.countingPlugin("relay")))

	cfg, err := group.ParseConfig([]byte(`
plugins:
  - name: echo
  - name: relay
`))
	require.NoError(t, err)
	require.NoError(t, h.mgr.Load(cfg))

	assert.Equal(t, 1, h.runs["echo"], "instantiating relay must not re-run the echo body")
	assert.Equal(t, 1, h.runs["relay"])
}

func TestManager_Remove(t *testing.T) {
	h := newHarness(t)

	gid, err := h.mgr.Create(&group.Entry{
		Name:  "group",
		Group: []*group.Entry{{Name: "echo"}},
	}, "")
	require.NoError(t, err)
	require.Equal(t, 1, h.runs["echo"])

	require.NoError(t, h.mgr.Remove(gid))
	assert.Empty(t, h.mgr.Entries())

	_, err = h.mgr.Get(gid)
	assert.Equal(t, group.CodeEntryNotFound, errCode(t, err))
	assert.Equal(t, group.CodeEntryNotFound, errCode(t, h.mgr.Remove(gid)))
}

func TestManager_RootProtected(t *testing.T) {
	h := newHarness(t)

	rootID := h.mgr.RootID()
	require.NotEmpty(t, rootID)

	off := true
	assert.Equal(t, group.CodeEntryInvalid, errCode(t, h.mgr.Update(rootID, group.Patch{Disabled: &off}, "")))
	assert.Equal(t, group.CodeEntryInvalid, errCode(t, h.mgr.Remove(rootID)))

	_, err := h.mgr.Get(rootID)
	assert.Equal(t, group.CodeEntryNotFound, errCode(t, err), "the root group is not listed")
}

func TestManager_TwoManagersShareOneKernel(t *testing.T) {
	root := loom.New(loom.WithLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(root.Stop)

	m1, err := group.NewManager(root)
	require.NoError(t, err)
	m2, err := group.NewManager(root)
	require.NoError(t, err)

	var runs1, runs2 int
	p1 := loom.Describe(loom.Func(func(*loom.Context, any) error {
		runs1++
		return nil
	}), loom.Spec{Name: "first", Reusable: true})
	p2 := loom.Describe(loom.Func(func(*loom.Context, any) error {
		runs2++
		return nil
	}), loom.Spec{Name: "second", Reusable: true})
	require.NoError(t, m1.Register("first", p1))
	require.NoError(t, m2.Register("second", p2))

	_, err = m1.Create(&group.Entry{Name: "first"}, "")
	require.NoError(t, err)
	_, err = m2.Create(&group.Entry{Name: "second"}, "")
	require.NoError(t, err)

	assert.Equal(t, 1, runs1)
	assert.Equal(t, 1, runs2)
	assert.Len(t, m1.Entries(), 1)
	assert.Len(t, m2.Entries(), 1)
}

func TestManager_EntriesSnapshotIsDetached(t *testing.T) {
	h := newHarness(t)

	id, err := h.mgr.Create(&group.Entry{Name: "echo", Config: map[string]any{"n": 1}}, "")
	require.NoError(t, err)

	info, err := h.mgr.Get(id)
	require.NoError(t, err)
	info.Entry.Config["n"] = 99
	info.Entry.Disabled = true

	fresh, err := h.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Entry.Config["n"], "returned entries are copies")
	assert.False(t, fresh.Disabled)
}
