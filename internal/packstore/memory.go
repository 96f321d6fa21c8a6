package packstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/sharedoc"
)

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu      sync.Mutex
	packs   map[string]*Pack
	indexes map[string]*DocIndex

	// Now is overridable so tests can control expiry.
	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		packs:   map[string]*Pack{},
		indexes: map[string]*DocIndex{},
		Now:     time.Now,
	}
}

func (s *MemoryStore) live(p *Pack) bool {
	return p.ExpiresAt == nil || p.ExpiresAt.After(s.Now())
}

func clonePack(p *Pack) *Pack {
	cp := *p
	cp.Updates = make([]sharedoc.Update, len(p.Updates))
	for i, u := range p.Updates {
		u.Op = u.Op.Clone()
		cp.Updates[i] = u
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		cp.ExpiresAt = &t
	}
	if p.LastChecked != nil {
		t := *p.LastChecked
		cp.LastChecked = &t
	}
	return &cp
}

func packHead(p *Pack) Pack {
	head := *clonePack(p)
	head.Updates = nil
	return head
}

func (s *MemoryStore) InsertPack(_ context.Context, pack *Pack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packs[pack.ID] = clonePack(pack)
	return nil
}

func (s *MemoryStore) AppendToPack(_ context.Context, packID string, updates []sharedoc.Update, n, sz int, endTS, vEnd int64, extendExpiry *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packs[packID]
	if !ok {
		return apperr.New(apperr.NotFound, "pack "+packID)
	}
	p.Updates = append(p.Updates, updates...)
	p.N += n
	p.Sz += sz
	p.Meta.EndTS = endTS
	p.VEnd = vEnd
	if extendExpiry != nil {
		t := *extendExpiry
		p.ExpiresAt = &t
	}
	return nil
}

func (s *MemoryStore) GetPack(_ context.Context, packID string) (*Pack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packs[packID]
	if !ok || !s.live(p) {
		return nil, apperr.New(apperr.NotFound, "pack "+packID)
	}
	return clonePack(p), nil
}

func (s *MemoryStore) GetLastDocPack(_ context.Context, docID string) (*Pack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *Pack
	for _, p := range s.packs {
		if p.DocID != docID || !s.live(p) {
			continue
		}
		if last == nil || p.V > last.V {
			last = p
		}
	}
	if last == nil {
		return nil, nil
	}
	return clonePack(last), nil
}

func (s *MemoryStore) FindDocPackHeads(_ context.Context, docID string, includeExpiring bool) ([]Pack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var heads []Pack
	for _, p := range s.packs {
		if p.DocID != docID || !s.live(p) {
			continue
		}
		if p.ExpiresAt != nil && !includeExpiring {
			continue
		}
		heads = append(heads, packHead(p))
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].V < heads[j].V })
	return heads, nil
}

func (s *MemoryStore) FindProjectPackHeads(_ context.Context, projectID string) ([]Pack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var heads []Pack
	for _, p := range s.packs {
		if p.ProjectID != projectID || !s.live(p) {
			continue
		}
		heads = append(heads, packHead(p))
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].Meta.EndTS > heads[j].Meta.EndTS })
	return heads, nil
}

func (s *MemoryStore) SetFinalised(_ context.Context, packID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packs[packID]
	if !ok {
		return apperr.New(apperr.NotFound, "pack "+packID)
	}
	p.Finalised = true
	return nil
}

func (s *MemoryStore) SetLastChecked(_ context.Context, packID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packs[packID]
	if !ok {
		return apperr.New(apperr.NotFound, "pack "+packID)
	}
	p.LastChecked = &t
	return nil
}

func (s *MemoryStore) SetExpiry(_ context.Context, packID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packs[packID]
	if !ok {
		return apperr.New(apperr.NotFound, "pack "+packID)
	}
	p.ExpiresAt = &t
	return nil
}

func (s *MemoryStore) FindSweepablePacks(_ context.Context, checkedBefore time.Time, limit int) ([]Pack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var heads []Pack
	for _, p := range s.packs {
		if p.Temporary || !s.live(p) || p.ExpiresAt != nil {
			continue
		}
		if p.LastChecked != nil && !p.LastChecked.Before(checkedBefore) {
			continue
		}
		heads = append(heads, packHead(p))
	}
	sort.Slice(heads, func(i, j int) bool {
		a, b := heads[i].LastChecked, heads[j].LastChecked
		if a == nil {
			return b != nil
		}
		if b == nil {
			return false
		}
		return a.Before(*b)
	})
	if limit > 0 && len(heads) > limit {
		heads = heads[:limit]
	}
	return heads, nil
}

func cloneIndex(idx *DocIndex) *DocIndex {
	cp := *idx
	cp.Packs = make([]IndexEntry, len(idx.Packs))
	for i, e := range idx.Packs {
		cp.Packs[i] = e
		if e.InCold != nil {
			b := *e.InCold
			cp.Packs[i].InCold = &b
		}
	}
	return &cp
}

func (s *MemoryStore) GetDocIndex(_ context.Context, docID string) (*DocIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[docID]
	if !ok {
		return nil, nil
	}
	return cloneIndex(idx), nil
}

func (s *MemoryStore) FindProjectIndexes(_ context.Context, projectID string) ([]DocIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DocIndex
	for _, idx := range s.indexes {
		if idx.ProjectID == projectID {
			out = append(out, *cloneIndex(idx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out, nil
}

func (s *MemoryStore) UpsertIndexEntries(_ context.Context, projectID, docID string, entries []IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[docID]
	if !ok {
		idx = &DocIndex{DocID: docID, ProjectID: projectID}
		s.indexes[docID] = idx
	}
	for _, e := range entries {
		if idx.Entry(e.PackID) != nil {
			continue
		}
		idx.Packs = append(idx.Packs, e)
	}
	sort.Slice(idx.Packs, func(i, j int) bool { return idx.Packs[i].V < idx.Packs[j].V })
	return nil
}

func (s *MemoryStore) transitionArchive(docID, packID string, want *bool, set *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[docID]
	if !ok {
		return apperr.New(apperr.NotFound, "index for doc "+docID)
	}
	e := idx.Entry(packID)
	if e == nil {
		return apperr.New(apperr.NotFound, "pack "+packID+" not in index")
	}
	if !archiveStateMatches(e.InCold, want) {
		return apperr.New(apperr.Consistency, "pack "+packID+" archive state conflict")
	}
	e.InCold = set
	return nil
}

func archiveStateMatches(have, want *bool) bool {
	if have == nil || want == nil {
		return have == want
	}
	return *have == *want
}

func boolPtr(b bool) *bool { return &b }

func (s *MemoryStore) MarkArchiveInProgress(_ context.Context, docID, packID string) error {
	return s.transitionArchive(docID, packID, nil, boolPtr(false))
}

func (s *MemoryStore) ClearArchiveInProgress(_ context.Context, docID, packID string) error {
	return s.transitionArchive(docID, packID, boolPtr(false), nil)
}

func (s *MemoryStore) MarkArchived(_ context.Context, docID, packID string) error {
	return s.transitionArchive(docID, packID, boolPtr(false), boolPtr(true))
}
