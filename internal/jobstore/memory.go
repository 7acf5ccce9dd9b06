package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/bobarin/renderd/internal/models"
)

type memEntry struct {
	rec     models.JobRecord
	expires time.Time
}

type keyEntry struct {
	jobID   string
	expires time.Time
}

// Memory is a process-local Store. Expired entries are dropped lazily.
type Memory struct {
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
	jobs map[string]memEntry
	keys map[string]keyEntry
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Memory{
		ttl:  ttl,
		now:  time.Now,
		jobs: make(map[string]memEntry),
		keys: make(map[string]keyEntry),
	}
}

func (m *Memory) Put(ctx context.Context, rec models.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.evict(now)
	m.jobs[rec.JobID] = memEntry{rec: rec, expires: now.Add(m.ttl)}
	return nil
}

func (m *Memory) Get(ctx context.Context, jobID string) (models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[jobID]
	if !ok || !m.now().Before(e.expires) {
		return models.JobRecord{}, ErrNotFound
	}
	return e.rec, nil
}

func (m *Memory) ClaimKey(ctx context.Context, key, jobID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.keys[key]; ok && now.Before(e.expires) {
		return e.jobID, e.jobID == jobID, nil
	}
	m.keys[key] = keyEntry{jobID: jobID, expires: now.Add(m.ttl)}
	return jobID, true, nil
}

func (m *Memory) ReleaseKey(ctx context.Context, key, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.keys[key]; ok && e.jobID == jobID {
		delete(m.keys, key)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) evict(now time.Time) {
	for id, e := range m.jobs {
		if !now.Before(e.expires) {
			delete(m.jobs, id)
		}
	}
	for k, e := range m.keys {
		if !now.Before(e.expires) {
			delete(m.keys, k)
		}
	}
}
