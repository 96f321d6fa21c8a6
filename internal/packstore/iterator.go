package packstore

import (
	"container/heap"
	"context"

	"papyrus/api/internal/sharedoc"
)

// FetchPackFunc loads one full pack. The iterators only know pack ordering;
// fetching (including un-archive fallback) is the manager's job.
type FetchPackFunc func(ctx context.Context, projectID, docID, packID string) (*Pack, error)

// DocIterator walks one document's packs newest first.
type DocIterator struct {
	projectID string
	docID     string
	heads     []Pack
	fetch     FetchPackFunc
}

// MakeDocIterator prepares an iterator over every live pack of a document,
// descending by version.
func (m *Manager) MakeDocIterator(ctx context.Context, projectID, docID string) (*DocIterator, error) {
	heads, err := m.store.FindDocPackHeads(ctx, docID, true)
	if err != nil {
		return nil, err
	}
	return &DocIterator{projectID: projectID, docID: docID, heads: heads, fetch: m.GetPackByID}, nil
}

func (it *DocIterator) Done() bool { return len(it.heads) == 0 }

// Next returns the updates of the next (newest remaining) pack, newest
// update first.
func (it *DocIterator) Next(ctx context.Context) ([]sharedoc.Update, error) {
	if it.Done() {
		return nil, nil
	}
	head := it.heads[len(it.heads)-1]
	it.heads = it.heads[:len(it.heads)-1]
	pack, err := it.fetch(ctx, it.projectID, it.docID, head.ID)
	if err != nil {
		return nil, err
	}
	updates := make([]sharedoc.Update, 0, len(pack.Updates))
	for i := len(pack.Updates) - 1; i >= 0; i-- {
		u := pack.Updates[i]
		u.Doc = it.docID
		updates = append(updates, u)
	}
	return updates, nil
}

// packSource is one entry in the project merge: either a pack still to be
// fetched, or the unread remainder of an already fetched pack.
type packSource struct {
	projectID string
	docID     string
	packID    string
	endTS     int64
	fromIndex bool

	// updates holds leftover already-fetched updates, newest first. Nil
	// means the pack has not been fetched yet.
	updates []sharedoc.Update
}

// packHeap is a max-heap on end_ts. On equal timestamps the primary copy
// wins over an index-only entry, so fresh data is read before a cold copy
// of the same period.
type packHeap []*packSource

func (h packHeap) Len() int { return len(h) }
func (h packHeap) Less(i, j int) bool {
	if h[i].endTS != h[j].endTS {
		return h[i].endTS > h[j].endTS
	}
	return !h[i].fromIndex && h[j].fromIndex
}
func (h packHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *packHeap) Push(x any) { *h = append(*h, x.(*packSource)) }
func (h *packHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ProjectIterator merges the packs of every document in a project into one
// reverse-chronological stream of updates. Any update still buffered is
// guaranteed to be newer than the top of the heap, so each Next call only
// has to look one pack ahead.
type ProjectIterator struct {
	sources packHeap
	before  int64
	fetch   FetchPackFunc
}

// MakeProjectIterator collects pack metadata from the primary store plus
// index entries whose packs are archive-only, and prepares the merge. Pass
// before as the exclusive upper bound on end_ts in epoch milliseconds, or
// 0 for no bound.
func (m *Manager) MakeProjectIterator(ctx context.Context, projectID string, before int64) (*ProjectIterator, error) {
	heads, err := m.store.FindProjectPackHeads(ctx, projectID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var sources packHeap
	for _, head := range heads {
		seen[head.ID] = true
		sources = append(sources, &packSource{
			projectID: projectID,
			docID:     head.DocID,
			packID:    head.ID,
			endTS:     head.Meta.EndTS,
		})
	}
	indexes, err := m.store.FindProjectIndexes(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, idx := range indexes {
		for _, entry := range idx.Packs {
			if seen[entry.PackID] {
				continue
			}
			seen[entry.PackID] = true
			sources = append(sources, &packSource{
				projectID: projectID,
				docID:     idx.DocID,
				packID:    entry.PackID,
				endTS:     entry.Meta.EndTS,
				fromIndex: true,
			})
		}
	}
	heap.Init(&sources)
	return &ProjectIterator{sources: sources, before: before, fetch: m.GetPackByID}, nil
}

func (it *ProjectIterator) Done() bool { return it.sources.Len() == 0 }

// Next returns the next run of updates in descending end_ts order. The run
// may be empty when an entire pack falls outside the before bound.
func (it *ProjectIterator) Next(ctx context.Context) ([]sharedoc.Update, error) {
	if it.Done() {
		return nil, nil
	}
	src := heap.Pop(&it.sources).(*packSource)
	updates := src.updates
	if updates == nil {
		pack, err := it.fetch(ctx, src.projectID, src.docID, src.packID)
		if err != nil {
			return nil, err
		}
		updates = make([]sharedoc.Update, 0, len(pack.Updates))
		for i := len(pack.Updates) - 1; i >= 0; i-- {
			u := pack.Updates[i]
			if it.before > 0 && u.Meta.EndTS >= it.before {
				continue
			}
			u.Doc = src.docID
			updates = append(updates, u)
		}
	}

	// Only emit updates at least as new as the next pack; the rest go back
	// on the heap so packs from other documents can interleave.
	lowWater := int64(0)
	if it.sources.Len() > 0 {
		lowWater = it.sources[0].endTS
	}
	cut := len(updates)
	for cut > 0 && updates[cut-1].Meta.EndTS < lowWater {
		cut--
	}
	emit, rest := updates[:cut], updates[cut:]
	if len(rest) > 0 {
		heap.Push(&it.sources, &packSource{
			projectID: src.projectID,
			docID:     src.docID,
			packID:    src.packID,
			endTS:     rest[0].Meta.EndTS,
			updates:   rest,
		})
	}
	return emit, nil
}
