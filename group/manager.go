// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

package group

import (
	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"

	"github.com/loomkit/loom"
)

// Stable error codes surfaced from the loader boundary.
const (
	CodeEntryNotFound       = "ENTRY_NOT_FOUND"
	CodeEntryInvalid        = "ENTRY_INVALID"
	CodeUnknownPlugin       = "ENTRY_UNKNOWN_PLUGIN"
	CodeNotAGroup           = "ENTRY_NOT_A_GROUP"
	CodeEntryCycle          = "ENTRY_CYCLE"
	CodeVersionUnsatisfied  = "VERSION_UNSATISFIED"
	CodeDuplicateEntry      = "ENTRY_DUPLICATE"
	CodeDuplicateCatalogRef = "CATALOG_DUPLICATE"
)

// node is the managed form of one entry: its descriptor, its position in
// the tree, and the backing scope when the entry is instantiated.
type node struct {
	m        *Manager
	entry    *Entry
	parent   *node
	children []*node
	scope    *loom.Scope

	// gated marks a scope suppressed for an unsatisfied version
	// constraint; it is lifted when the catalog plugin's registry
	// metadata gains a satisfying version.
	gated bool
}

func (n *node) isGroup() bool { return n.entry.IsGroup() }

// chainEnabled reports whether every ancestor group of n is enabled.
// n's own flag is not considered.
func (n *node) chainEnabled() bool {
	for p := n.parent; p != nil; p = p.parent {
		if p.entry.Disabled {
			return false
		}
	}
	return true
}

// Manager owns a tree of group nodes backed by kernel scopes. It is the
// sole mutation surface for an external loader: the loader persists and
// watches descriptors, the manager turns them into running scopes.
type Manager struct {
	ctx     *loom.Context
	catalog map[string]any
	nodes   map[string]*node
	root    *node
	plugin  any
}

// NewManager installs a root group under ctx and returns the manager.
func NewManager(ctx *loom.Context) (*Manager, error) {
	m := &Manager{
		ctx:     ctx,
		catalog: make(map[string]any),
		nodes:   make(map[string]*node),
	}
	m.plugin = loom.Describe(loom.Func(applyGroup), loom.Spec{
		Name:     GroupName,
		Reusable: true,
		Version:  loom.Version,
	})

	m.root = &node{m: m, entry: &Entry{ID: loom.NewID().String(), Name: GroupName, Group: []*Entry{}}}
	scope, err := ctx.Plugin(m.plugin, m.root)
	if err != nil {
		return nil, err
	}
	m.root.scope = scope
	m.nodes[m.root.entry.ID] = m.root

	ctx.On(loom.PluginEvent, func(any, ...any) any {
		m.recheckGates()
		return nil
	})
	return m, nil
}

// recheckGates lifts the suppression of version-gated entries whose
// catalog plugin now satisfies the constraint.
func (m *Manager) recheckGates() {
	for _, n := range m.nodes {
		if !n.gated || n.scope == nil || n.scope.Status() == loom.StatusDisposed {
			continue
		}
		ref, ok := m.catalog[n.entry.Name]
		if !ok || !m.satisfies(ref, n.entry.Version) {
			continue
		}
		n.gated = false
		n.scope.Suppress(false)
	}
}

// RootID returns the id of the root group.
func (m *Manager) RootID() string { return m.root.entry.ID }

// Register adds a plugin to the catalog under a descriptor name.
func (m *Manager) Register(name string, ref any) error {
	if !namePattern.MatchString(name) || name == GroupName {
		return oops.Code(CodeEntryInvalid).Errorf("invalid catalog name %q", name)
	}
	if _, ok := m.catalog[name]; ok {
		return oops.Code(CodeDuplicateCatalogRef).Errorf("catalog name %q already registered", name)
	}
	m.catalog[name] = ref
	return nil
}

// applyGroup is the group plugin body: on activation it creates one child
// scope per entry in order. Child scopes are installed under the group
// scope's own context, so cancelling the group disposes them, and
// re-activation recreates exactly the children whose own flag is enabled.
// The owning manager is resolved from the node itself, so the body stays
// free of captured manager state.
func applyGroup(ctx *loom.Context, config any) error {
	n, ok := config.(*node)
	if !ok {
		return oops.Code(CodeEntryInvalid).Errorf("group config must be a managed node, got %T", config)
	}
	for _, child := range n.children {
		n.m.instantiate(child, ctx)
	}
	return nil
}

// instantiate creates the backing scope for a node under the given group
// context. Failures are reported, never propagated: a broken entry holds
// its position while its siblings run.
func (m *Manager) instantiate(n *node, ctx *loom.Context) {
	var opts []loom.InstallOption
	if n.entry.Disabled {
		opts = append(opts, loom.Held())
	}

	if n.isGroup() {
		scope, err := ctx.Plugin(m.plugin, n, opts...)
		if err == nil {
			n.scope = scope
		}
		return
	}

	ref, ok := m.catalog[n.entry.Name]
	if !ok {
		m.reportf("group entry %q (%s): no such plugin in catalog", n.entry.Name, n.entry.ID)
		return
	}
	n.gated = n.entry.Version != "" && !m.satisfies(ref, n.entry.Version)
	if n.gated {
		m.reportf("%v", oops.
			Code(CodeVersionUnsatisfied).
			With("entry", n.entry.ID).
			Errorf("group entry %q: plugin does not satisfy version constraint %q",
				n.entry.Name, n.entry.Version))
		opts = append(opts, loom.Suppressed())
	}

	scope, err := ctx.Plugin(ref, n.entry.Config, opts...)
	if err != nil {
		m.reportf("group entry %q (%s): install failed: %v", n.entry.Name, n.entry.ID, err)
		return
	}
	n.scope = scope
}

// satisfies checks a plugin's declared version against a constraint. The
// registry entry is authoritative once the plugin was installed; before
// that the declared descriptor is consulted directly.
func (m *Manager) satisfies(ref any, constraint string) bool {
	if meta := m.ctx.Registry().Get(ref); meta != nil {
		return meta.Satisfies(constraint)
	}
	spec, err := loom.SpecOf(ref)
	if err != nil || spec.Version == "" {
		return false
	}
	v, err := semver.NewVersion(spec.Version)
	if err != nil {
		return false
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	return c.Check(v)
}

func (m *Manager) reportf(format string, args ...any) {
	m.ctx.Reporter().Errorf(format, args...)
}

// Load creates all entries of a parsed descriptor under the root group.
func (m *Manager) Load(cfg *Config) error {
	for _, e := range cfg.Plugins {
		if _, err := m.Create(e, ""); err != nil {
			return err
		}
	}
	return nil
}

// Create adds an entry (and its nested group entries) under a parent
// group and instantiates the backing scope when the ancestor chain is
// enabled. An empty parentID targets the root group. It returns the
// entry's id.
func (m *Manager) Create(e *Entry, parentID string) (string, error) {
	if err := e.Validate(); err != nil {
		return "", oops.Code(CodeEntryInvalid).Wrap(err)
	}
	parent, err := m.groupNode(parentID)
	if err != nil {
		return "", err
	}
	n, err := m.adopt(e, parent)
	if err != nil {
		return "", err
	}

	parent.children = append(parent.children, n)
	parent.entry.Group = append(parent.entry.Group, n.entry)

	if parent.scope != nil && parent.scope.Status() == loom.StatusActive {
		m.instantiate(n, parent.scope.Context())
	}
	return n.entry.ID, nil
}

// adopt builds the node tree for an entry, assigning missing ids and
// registering every node.
func (m *Manager) adopt(e *Entry, parent *node) (*node, error) {
	if e.ID == "" {
		e.ID = loom.NewID().String()
	}
	if _, exists := m.nodes[e.ID]; exists {
		return nil, oops.Code(CodeDuplicateEntry).Errorf("entry id %q already managed", e.ID)
	}
	if !e.IsGroup() {
		if _, ok := m.catalog[e.Name]; !ok {
			return nil, oops.Code(CodeUnknownPlugin).Errorf("no plugin named %q in catalog", e.Name)
		}
	}
	n := &node{m: m, entry: e, parent: parent}
	m.nodes[e.ID] = n
	for _, child := range e.Group {
		cn, err := m.adopt(child, n)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, cn)
	}
	return n, nil
}

// Patch is a partial update to an entry's own configuration.
type Patch struct {
	// Config replaces the entry config when non-nil.
	Config map[string]any
	// Disabled toggles the entry's own flag when non-nil.
	Disabled *bool
}

// Update applies a patch to an entry and/or relocates it to a new parent
// group. After applying, effective enablement is recomputed along the
// (possibly new) ancestor chain; the entry's own flag is never changed by
// relocation.
func (m *Manager) Update(id string, patch Patch, newParentID string) error {
	n, ok := m.nodes[id]
	if !ok {
		return oops.Code(CodeEntryNotFound).Errorf("no entry with id %q", id)
	}
	if n == m.root {
		return oops.Code(CodeEntryInvalid).Errorf("the root group cannot be updated")
	}

	if newParentID != "" && newParentID != n.parent.entry.ID {
		if err := m.transfer(n, newParentID); err != nil {
			return err
		}
	}

	if patch.Config != nil {
		n.entry.Config = patch.Config
		if !n.isGroup() && n.scope != nil && n.scope.Status() != loom.StatusDisposed {
			_ = n.scope.SetConfig(patch.Config)
		}
	}

	if patch.Disabled != nil && *patch.Disabled != n.entry.Disabled {
		n.entry.Disabled = *patch.Disabled
		m.applyEnablement(n)
	}
	return nil
}

// applyEnablement reconciles a node's scope with its own flag, given the
// current ancestor chain.
func (m *Manager) applyEnablement(n *node) {
	if n.scope == nil || n.scope.Status() == loom.StatusDisposed {
		// Not currently instantiated (ancestor chain disabled, or scope
		// torn down with its group). The flag takes effect when the chain
		// re-activates.
		if !n.entry.Disabled && n.chainEnabled() {
			if parent := n.parent; parent != nil && parent.scope != nil &&
				parent.scope.Status() == loom.StatusActive {
				m.instantiate(n, parent.scope.Context())
			}
		}
		return
	}
	if n.entry.Disabled {
		n.scope.Disable()
	} else {
		n.scope.Enable()
	}
}

// transfer moves a node's configuration from its old parent's sequence to
// a new group's sequence, preserving the node's own flag. The backing
// scope is re-created under the new group when the new chain is enabled.
func (m *Manager) transfer(n *node, newParentID string) error {
	target, err := m.groupNode(newParentID)
	if err != nil {
		return err
	}
	for p := target; p != nil; p = p.parent {
		if p == n {
			return oops.Code(CodeEntryCycle).Errorf("cannot move %q into its own subtree", n.entry.ID)
		}
	}

	m.detach(n)
	if n.scope != nil {
		n.scope.Dispose()
		n.scope = nil
		m.clearDescendantScopes(n)
	}

	n.parent = target
	target.children = append(target.children, n)
	target.entry.Group = append(target.entry.Group, n.entry)

	if n.chainEnabled() && target.scope != nil && target.scope.Status() == loom.StatusActive {
		m.instantiate(n, target.scope.Context())
	}
	return nil
}

// Remove deletes an entry: the backing scope (and, for a group, every
// descendant scope) is disposed and the subtree leaves the manager.
func (m *Manager) Remove(id string) error {
	n, ok := m.nodes[id]
	if !ok {
		return oops.Code(CodeEntryNotFound).Errorf("no entry with id %q", id)
	}
	if n == m.root {
		return oops.Code(CodeEntryInvalid).Errorf("the root group cannot be removed")
	}
	m.detach(n)
	if n.scope != nil {
		n.scope.Dispose()
		n.scope = nil
	}
	m.forget(n)
	return nil
}

// detach unlinks a node from its parent's sequences.
func (m *Manager) detach(n *node) {
	parent := n.parent
	if parent == nil {
		return
	}
	for i, cand := range parent.children {
		if cand == n {
			parent.children = append(parent.children[:i:i], parent.children[i+1:]...)
			break
		}
	}
	for i, cand := range parent.entry.Group {
		if cand == n.entry {
			parent.entry.Group = append(parent.entry.Group[:i:i], parent.entry.Group[i+1:]...)
			break
		}
	}
}

// forget removes a subtree from the id index.
func (m *Manager) forget(n *node) {
	delete(m.nodes, n.entry.ID)
	for _, child := range n.children {
		m.forget(child)
	}
}

// clearDescendantScopes drops stale scope references after a subtree's
// scopes were disposed through their parent scope.
func (m *Manager) clearDescendantScopes(n *node) {
	for _, child := range n.children {
		child.scope = nil
		m.clearDescendantScopes(child)
	}
}

func (m *Manager) groupNode(id string) (*node, error) {
	if id == "" {
		return m.root, nil
	}
	n, ok := m.nodes[id]
	if !ok {
		return nil, oops.Code(CodeEntryNotFound).Errorf("no entry with id %q", id)
	}
	if !n.isGroup() {
		return nil, oops.Code(CodeNotAGroup).Errorf("entry %q is not a group", id)
	}
	return n, nil
}

// Info is a read-only view of one managed entry.
type Info struct {
	ID       string
	ParentID string
	Name     string
	Disabled bool
	// Effective reports enablement after ancestor cascading.
	Effective bool
	Status    loom.Status
	Entry     *Entry
}

// Entries returns a depth-first snapshot of all managed entries, root
// group excluded.
func (m *Manager) Entries() []Info {
	var out []Info
	var walk func(n *node)
	walk = func(n *node) {
		for _, child := range n.children {
			info := Info{
				ID:        child.entry.ID,
				ParentID:  n.entry.ID,
				Name:      child.entry.Name,
				Disabled:  child.entry.Disabled,
				Effective: !child.entry.Disabled && child.chainEnabled(),
				Status:    loom.StatusPending,
				Entry:     child.entry.clone(),
			}
			if child.scope != nil && child.scope.Status() != loom.StatusDisposed {
				info.Status = child.scope.Status()
			}
			out = append(out, info)
			walk(child)
		}
	}
	walk(m.root)
	return out
}

// Get returns the Info for one entry id.
func (m *Manager) Get(id string) (Info, error) {
	n, ok := m.nodes[id]
	if !ok || n == m.root {
		return Info{}, oops.Code(CodeEntryNotFound).Errorf("no entry with id %q", id)
	}
	info := Info{
		ID:        n.entry.ID,
		ParentID:  n.parent.entry.ID,
		Name:      n.entry.Name,
		Disabled:  n.entry.Disabled,
		Effective: !n.entry.Disabled && n.chainEnabled(),
		Status:    loom.StatusPending,
		Entry:     n.entry.clone(),
	}
	if n.scope != nil && n.scope.Status() != loom.StatusDisposed {
		info.Status = n.scope.Status()
	}
	return info, nil
}
