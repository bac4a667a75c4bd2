package store

import (
	"context"
	"sort"
	"sync"

	"PotholeDetServer/report"
)

type Memory struct {
	mu   sync.RWMutex
	docs map[string]report.Report
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]report.Report)}
}

func (m *Memory) Set(ctx context.Context, r report.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[r.VideoID] = r
	return nil
}

func (m *Memory) Get(ctx context.Context, videoID string) (report.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.docs[videoID]
	if !ok {
		return report.Report{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) List(ctx context.Context, limit int) ([]report.Report, error) {
	m.mu.RLock()
	out := make([]report.Report, 0, len(m.docs))
	for _, r := range m.docs {
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].VideoID < out[j].VideoID
	})
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
