package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore keeps everything in process memory. It backs the "memory"
// backend for throwaway sessions and gives tests a real Store without cgo.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	meta    map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		meta:    make(map[string]string),
	}
}

func (m *MemoryStore) Upsert(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records[r.ID] = r
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.records, id)
	}
	return nil
}

func (m *MemoryStore) DeleteFile(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if r.FilePath == path {
			delete(m.records, id)
		}
	}
	return nil
}

func (m *MemoryStore) Search(_ context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Match
	for _, r := range m.records {
		if !filter.allows(r) {
			continue
		}
		matches = append(matches, Match{Record: r, Score: score(cosineDistance(vector, r.Vector))})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Record.UpdatedAt.After(matches[j].Record.UpdatedAt)
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (m *MemoryStore) HashesForFile(_ context.Context, path string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hashes := make(map[string]string)
	for id, r := range m.records {
		if r.FilePath == path {
			hashes[id] = r.ContentHash
		}
	}
	return hashes, nil
}

func (m *MemoryStore) ListFiles(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[string]struct{})
	for _, r := range m.records {
		set[r.FilePath] = struct{}{}
	}
	files := make([]string, 0, len(set))
	for f := range set {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	files := make(map[string]struct{})
	byModel := make(map[string]int)
	for _, r := range m.records {
		files[r.FilePath] = struct{}{}
		byModel[r.Model]++
	}
	return Stats{
		Files:   len(files),
		Chunks:  len(m.records),
		ByModel: byModel,
		Backend: "memory",
	}, nil
}

func (m *MemoryStore) GetMeta(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta[key], nil
}

func (m *MemoryStore) SetMeta(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (f Filter) allows(r Record) bool {
	if f.Model != "" && r.Model != f.Model {
		return false
	}
	if len(f.Repos) > 0 && !contains(f.Repos, r.Repo) {
		return false
	}
	if len(f.Languages) > 0 && !contains(f.Languages, r.Language) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// cosineDistance is 1 minus cosine similarity, 0 for identical directions.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.MaxFloat64
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return math.MaxFloat64
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

var _ Store = (*MemoryStore)(nil)
