package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bitfantasy/nimo-crm/internal/crm/entity"
	"github.com/google/uuid"
)

// MemoryOpportunityStore is an in-process OpportunityStore with the same
// compare-and-swap semantics as the postgres repository.
type MemoryOpportunityStore struct {
	mu        sync.RWMutex
	items     map[string]*entity.Opportunity
	history   map[string][]entity.StageHistory
	documents map[string][]entity.ProposalDocument
}

func NewMemoryOpportunityStore() *MemoryOpportunityStore {
	return &MemoryOpportunityStore{
		items:     make(map[string]*entity.Opportunity),
		history:   make(map[string][]entity.StageHistory),
		documents: make(map[string][]entity.ProposalDocument),
	}
}

func (s *MemoryOpportunityStore) Create(_ context.Context, opp *entity.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opp.ID == "" {
		opp.ID = uuid.New().String()
	}
	stored := cloneOpportunity(opp)
	stored.StageHistory = nil
	s.items[opp.ID] = stored
	return nil
}

func (s *MemoryOpportunityStore) FindByID(_ context.Context, id string) (*entity.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneOpportunity(stored)
	out.StageHistory = append([]entity.StageHistory(nil), s.history[id]...)
	return out, nil
}

func (s *MemoryOpportunityStore) List(_ context.Context, filter ListFilter) ([]entity.Opportunity, int64, error) {
	filter = filter.normalized()
	s.mu.RLock()
	var matched []entity.Opportunity
	for _, opp := range s.items {
		if filter.Stage > 0 && opp.CurrentStage != filter.Stage {
			continue
		}
		if filter.Status != "" && opp.Status != filter.Status {
			continue
		}
		if filter.CompanyID != "" && opp.CompanyID != filter.CompanyID {
			continue
		}
		if filter.LeadOwnerID != "" && opp.LeadOwnerID != filter.LeadOwnerID {
			continue
		}
		if filter.Keyword != "" && !matchesKeyword(opp, filter.Keyword) {
			continue
		}
		matched = append(matched, *cloneOpportunity(opp))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := (filter.Page - 1) * filter.PageSize
	if start >= len(matched) {
		return []entity.Opportunity{}, total, nil
	}
	end := start + filter.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *MemoryOpportunityStore) History(_ context.Context, opportunityID string) ([]entity.StageHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.items[opportunityID]; !ok {
		return nil, ErrNotFound
	}
	return append([]entity.StageHistory{}, s.history[opportunityID]...), nil
}

func (s *MemoryOpportunityStore) ApplyTransition(_ context.Context, opp *entity.Opportunity, fromStage int, entry *entity.StageHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.items[opp.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.CurrentStage != fromStage {
		return ErrStaleStage
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.OpportunityID = opp.ID
	entry.Sequence = len(s.history[opp.ID]) + 1

	next := cloneOpportunity(opp)
	next.StageHistory = nil
	next.CreatedAt = stored.CreatedAt
	s.items[opp.ID] = next
	s.history[opp.ID] = append(s.history[opp.ID], *entry)
	return nil
}

func (s *MemoryOpportunityStore) ListTimeoutCandidates(_ context.Context, stage int, enteredBefore time.Time) ([]entity.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []entity.Opportunity
	for _, opp := range s.items {
		if opp.CurrentStage == stage && opp.Status == entity.StatusActive && !opp.StageEnteredAt.After(enteredBefore) {
			out = append(out, *cloneOpportunity(opp))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StageEnteredAt.Before(out[j].StageEnteredAt)
	})
	return out, nil
}

func (s *MemoryOpportunityStore) CreateDocument(_ context.Context, doc *entity.ProposalDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[doc.OpportunityID]; !ok {
		return ErrNotFound
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	s.documents[doc.OpportunityID] = append(s.documents[doc.OpportunityID], *doc)
	return nil
}

func (s *MemoryOpportunityStore) ListDocuments(_ context.Context, opportunityID string) ([]entity.ProposalDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]entity.ProposalDocument{}, s.documents[opportunityID]...), nil
}

func matchesKeyword(opp *entity.Opportunity, keyword string) bool {
	kw := strings.ToLower(keyword)
	for _, field := range []string{opp.Title, opp.DisplayID, opp.CompanyName} {
		if strings.Contains(strings.ToLower(field), kw) {
			return true
		}
	}
	return false
}

func cloneOpportunity(opp *entity.Opportunity) *entity.Opportunity {
	out := *opp
	if opp.StagePayload != nil {
		out.StagePayload = append(out.StagePayload[:0:0], opp.StagePayload...)
	}
	if opp.FinalPrice != nil {
		v := *opp.FinalPrice
		out.FinalPrice = &v
	}
	if opp.Margin != nil {
		v := *opp.Margin
		out.Margin = &v
	}
	if opp.Overhead != nil {
		v := *opp.Overhead
		out.Overhead = &v
	}
	if opp.PODate != nil {
		v := *opp.PODate
		out.PODate = &v
	}
	if opp.ClosedAt != nil {
		v := *opp.ClosedAt
		out.ClosedAt = &v
	}
	return &out
}
