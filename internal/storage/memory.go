package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/domain"
)

// MemoryStore is an in-memory ExecutionStore. It backs tests and paper mode;
// the semantics match the SQLite store exactly.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*domain.Execution
	byClientID map[string]string
	trades     map[string][]domain.Trade
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*domain.Execution),
		byClientID: make(map[string]string),
		trades:     make(map[string][]domain.Trade),
	}
}

func (s *MemoryStore) SaveExecution(ctx context.Context, ex *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ex
	s.executions[ex.ID] = &cp
	if ex.ClientOrderID != "" {
		s.byClientID[ex.ClientOrderID] = ex.ID
	}
	return nil
}

func (s *MemoryStore) UpdateExecutionStatus(ctx context.Context, id string, upd StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.executions[id]
	if !ok {
		return ErrNotFound
	}
	if ex.Status != upd.From {
		return ErrStatusConflict
	}

	ex.Status = upd.To
	if upd.LastState != "" {
		ex.LastState = upd.LastState
	}
	if upd.Message != "" {
		ex.ErrorMessage = upd.Message
	}
	if upd.To.IsTerminal() && ex.EndedAt == nil {
		now := time.Now()
		ex.EndedAt = &now
	}
	return nil
}

func (s *MemoryStore) UpdateExecutionOrder(ctx context.Context, id string, venueOrderID int64, lastState string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.executions[id]
	if !ok {
		return ErrNotFound
	}
	ex.VenueOrderID = venueOrderID
	if lastState != "" {
		ex.LastState = lastState
	}
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ex, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ex
	return &cp, nil
}

func (s *MemoryStore) GetExecutionByClientOrderID(ctx context.Context, clientOrderID string) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byClientID[clientOrderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.executions[id]
	return &cp, nil
}

func (s *MemoryStore) GetExecutions(ctx context.Context, statuses ...domain.Status) ([]*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[domain.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*domain.Execution
	for _, ex := range s.executions {
		if len(want) > 0 && !want[ex.Status] {
			continue
		}
		cp := *ex
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (s *MemoryStore) SaveTrade(ctx context.Context, trade *domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if trade.VenueTradeID != 0 {
		for _, existing := range s.trades[trade.ExecutionID] {
			if existing.VenueTradeID == trade.VenueTradeID {
				return ErrDuplicateTrade
			}
		}
	}
	s.trades[trade.ExecutionID] = append(s.trades[trade.ExecutionID], *trade)
	return nil
}

func (s *MemoryStore) GetExecutionTrades(ctx context.Context, executionID string) ([]domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Trade, len(s.trades[executionID]))
	copy(out, s.trades[executionID])
	return out, nil
}
