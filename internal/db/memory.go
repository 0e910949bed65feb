package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps notifications in process memory. It satisfies the same
// contract as Repository and is used for local runs and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*memoryRow
	seq  int64
	now  func() time.Time
}

type memoryRow struct {
	n   *Notification
	seq int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[uuid.UUID]*memoryRow),
		now:  time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Create(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if _, exists := s.rows[n.ID]; exists {
		return fmt.Errorf("insert notification: duplicate id %s", n.ID)
	}
	if n.Status == "" {
		n.Status = StatusPending
	}
	if n.Type == "" {
		n.Type = DefaultType
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}
	now := s.now()
	n.CreatedAt = now
	n.UpdatedAt = now

	s.seq++
	s.rows[n.ID] = &memoryRow{n: n.Clone(), seq: s.seq}
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id uuid.UUID) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return row.n.Clone(), nil
}

func (f ListFilter) matches(n *Notification) bool {
	if f.AppointmentID != "" && (n.AppointmentID == nil || *n.AppointmentID != f.AppointmentID) {
		return false
	}
	if f.PatientID != "" && (n.PatientID == nil || *n.PatientID != f.PatientID) {
		return false
	}
	if f.Channel != "" && n.Channel != f.Channel {
		return false
	}
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	return true
}

// sorted returns rows matching keep, newest first. Caller holds the lock.
func (s *MemoryStore) sorted(keep func(*Notification) bool) []*memoryRow {
	out := make([]*memoryRow, 0, len(s.rows))
	for _, row := range s.rows {
		if keep(row.n) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].n.CreatedAt.Equal(out[j].n.CreatedAt) {
			return out[i].n.CreatedAt.After(out[j].n.CreatedAt)
		}
		return out[i].seq > out[j].seq
	})
	return out
}

func (s *MemoryStore) List(_ context.Context, f ListFilter, page, pageSize int) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.sorted(f.matches)
	total := len(matched)

	start := (page - 1) * pageSize
	if start < 0 {
		start = 0
	}
	end := start + pageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	items := make([]*Notification, 0, end-start)
	for _, row := range matched[start:end] {
		items = append(items, row.n.Clone())
	}
	return NewPage(items, total, page, pageSize), nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id uuid.UUID, status string, errorMsg *string) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}

	now := s.now()
	row.n.Status = status
	row.n.ErrorMessage = cloneString(errorMsg)
	if status == StatusSent {
		row.n.SentAt = &now
	} else {
		row.n.SentAt = nil
	}
	row.n.UpdatedAt = now
	return row.n.Clone(), nil
}

func (s *MemoryStore) IncrementRetryCount(_ context.Context, id uuid.UUID) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	row.n.RetryCount++
	row.n.UpdatedAt = s.now()
	return row.n.Clone(), nil
}

func (s *MemoryStore) ListRetryable(_ context.Context, maxRetries int, since time.Time, limit int) ([]*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.sorted(func(n *Notification) bool {
		return n.Status == StatusFailed && n.RetryCount < maxRetries && n.CreatedAt.After(since)
	})

	items := []*Notification{}
	// oldest first
	for i := len(matched) - 1; i >= 0 && len(items) < limit; i-- {
		items = append(items, matched[i].n.Clone())
	}
	return items, nil
}

func (s *MemoryStore) Statistics(_ context.Context, rng StatsRange) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Statistics{
		ByStatus:  map[string]int{},
		ByChannel: map[string]int{},
	}
	retries := 0
	for _, row := range s.rows {
		n := row.n
		if rng.From != nil && n.CreatedAt.Before(*rng.From) {
			continue
		}
		if rng.To != nil && n.CreatedAt.After(*rng.To) {
			continue
		}
		stats.Total++
		stats.ByStatus[n.Status]++
		stats.ByChannel[n.Channel]++
		retries += n.RetryCount
	}
	if stats.Total > 0 {
		stats.AvgRetries = float64(retries) / float64(stats.Total)
	}
	return stats, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, row := range s.rows {
		if row.n.CreatedAt.Before(cutoff) {
			delete(s.rows, id)
			deleted++
		}
	}
	return deleted, nil
}
