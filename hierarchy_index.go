package guard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oarkflow/guard/logger"
)

// OrganizationSource feeds snapshot rebuilds with the full organization list.
type OrganizationSource interface {
	AllNodes(ctx context.Context) ([]OrganizationNode, error)
}

// HierarchyReadModel is an optional precomputed view of ORG expansions. A miss
// (ok == false) makes the resolver fall back to the live snapshot.
type HierarchyReadModel interface {
	DescendantCodes(ctx context.Context, code string) (codes []string, ok bool)
}

// PublishedReadModel is a HierarchyReadModel rewritten from every
// successfully rebuilt snapshot.
type PublishedReadModel interface {
	HierarchyReadModel
	Publish(ctx context.Context, snap *OrganizationTreeSnapshot) error
}

// OrganizationHierarchyIndex serves the current OrganizationTreeSnapshot.
// Snapshots are built off to the side and published by pointer, so readers
// see either the old or the new tree. Rebuilds run one at a time; callers
// waiting on a rebuild that began after their request share its result.
type OrganizationHierarchyIndex struct {
	source    OrganizationSource
	current   atomic.Pointer[OrganizationTreeSnapshot]
	requested atomic.Uint64

	mu        sync.Mutex // serializes rebuilds
	built     uint64     // requests covered by the published snapshot
	onRebuild []func(context.Context, *OrganizationTreeSnapshot)

	logger  logger.Logger
	metrics *Metrics
}

func NewOrganizationHierarchyIndex(source OrganizationSource, l logger.Logger) *OrganizationHierarchyIndex {
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &OrganizationHierarchyIndex{source: source, logger: l}
}

// OnRebuild registers fn to run after every successful rebuild, before
// Refresh returns. Hooks run one at a time in registration order.
func (h *OrganizationHierarchyIndex) OnRebuild(fn func(context.Context, *OrganizationTreeSnapshot)) {
	h.mu.Lock()
	h.onRebuild = append(h.onRebuild, fn)
	h.mu.Unlock()
}

// Snapshot returns the published snapshot, building it on first use.
func (h *OrganizationHierarchyIndex) Snapshot(ctx context.Context) (*OrganizationTreeSnapshot, error) {
	if s := h.current.Load(); s != nil {
		return s, nil
	}
	return h.Refresh(ctx)
}

// Refresh rebuilds the snapshot from the source. The result always reflects
// the source as read after the call began. On failure the previous snapshot
// stays published.
func (h *OrganizationHierarchyIndex) Refresh(ctx context.Context) (*OrganizationTreeSnapshot, error) {
	seq := h.requested.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.built >= seq {
		if s := h.current.Load(); s != nil {
			return s, nil
		}
	}
	covers := h.requested.Load()
	snap, err := h.rebuild(ctx)
	h.metrics.hierarchyRebuilt(snap, err)
	if err != nil {
		h.logger.Error("organization snapshot rebuild failed", "error", err.Error())
		return nil, err
	}
	h.built = covers
	for _, fn := range h.onRebuild {
		fn(ctx, snap)
	}
	return snap, nil
}

func (h *OrganizationHierarchyIndex) rebuild(ctx context.Context) (*OrganizationTreeSnapshot, error) {
	if h.source == nil {
		return nil, ErrNoHierarchy
	}
	nodes, err := h.source.AllNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load organizations: %w", err)
	}
	snap, err := NewOrganizationTreeSnapshot(nodes)
	if err != nil {
		return nil, err
	}
	h.current.Store(snap)
	h.logger.Info("organization snapshot rebuilt", "nodes", snap.Len())
	return snap, nil
}

// Publish installs a snapshot built elsewhere.
func (h *OrganizationHierarchyIndex) Publish(s *OrganizationTreeSnapshot) {
	if s != nil {
		h.current.Store(s)
	}
}

// Invalidate drops the published snapshot; the next read rebuilds it.
func (h *OrganizationHierarchyIndex) Invalidate() {
	h.current.Store(nil)
}
