package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/orchestrator-launcher/pkg/models"
)

// MemoryStore is an in-memory implementation of the status store
type MemoryStore struct {
	records map[string]*models.StatusRecord
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*models.StatusRecord),
	}
}

// Get retrieves a copy of the record for name
func (s *MemoryStore) Get(ctx context.Context, name string) (*models.StatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[name]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

// Claim creates an initializing record if none exists
func (s *MemoryStore) Claim(ctx context.Context, name string, labels map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[name]; ok {
		return ErrAlreadyExists
	}

	s.records[name] = newRecord(name, copyLabels(labels), time.Now())
	return nil
}

// Transition moves the record to a new status
func (s *MemoryStore) Transition(ctx context.Context, name string, to models.LaunchStatus, exitCode int, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[name]
	if !ok {
		return false, ErrNotFound
	}
	return applyTransition(rec, to, exitCode, reason, time.Now())
}

// List returns all records ordered by creation time
func (s *MemoryStore) List(ctx context.Context) ([]*models.StatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*models.StatusRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, copyRecord(rec))
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Delete removes the record for name
func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[name]; !ok {
		return ErrNotFound
	}
	delete(s.records, name)
	return nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func copyRecord(rec *models.StatusRecord) *models.StatusRecord {
	c := *rec
	c.Labels = copyLabels(rec.Labels)
	c.Transitions = append([]models.StateTransition(nil), rec.Transitions...)
	return &c
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	c := make(map[string]string, len(labels))
	for k, v := range labels {
		c[k] = v
	}
	return c
}
