package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-crm/internal/crm/entity"
	"github.com/bitfantasy/nimo-crm/internal/testutil"
	"github.com/shopspring/decimal"
)

// storeFactories runs each test against the postgres repository (when reachable)
// and the in-memory store.
func storeFactories(t *testing.T) map[string]func(t *testing.T) OpportunityStore {
	return map[string]func(t *testing.T) OpportunityStore{
		"memory": func(t *testing.T) OpportunityStore { return NewMemoryOpportunityStore() },
		"postgres": func(t *testing.T) OpportunityStore {
			return NewOpportunityRepository(testutil.SetupTestDB(t))
		},
	}
}

func newOpp(id string, stage int, entered time.Time) *entity.Opportunity {
	return &entity.Opportunity{
		ID:             id,
		DisplayID:      "OPP-" + id,
		LeadID:         "lead-" + id,
		CompanyID:      "company-1",
		CompanyName:    "Acme " + id,
		LeadOwnerID:    "owner-1",
		CurrentStage:   stage,
		Status:         entity.StatusForStage(stage),
		StageEnteredAt: entered,
		StagePayload:   []byte("{}"),
		CreatedAt:      entered,
		UpdatedAt:      entered,
	}
}

func TestApplyTransitionCompareAndSwap(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
			if err := store.Create(ctx, newOpp("a1", entity.StageCommercialNegotiation, now)); err != nil {
				t.Fatalf("create: %v", err)
			}

			opp, err := store.FindByID(ctx, "a1")
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			price := decimal.RequireFromString("1200.50")
			opp.CurrentStage = entity.StageWon
			opp.Status = entity.StatusWon
			opp.FinalPrice = &price
			opp.PONumber = "PO-1"
			opp.StageEnteredAt = now.Add(time.Hour)
			entry := &entity.StageHistory{FromStage: 5, ToStage: 6, ChangedBy: "u1", ChangedAt: now.Add(time.Hour)}
			if err := store.ApplyTransition(ctx, opp, entity.StageCommercialNegotiation, entry); err != nil {
				t.Fatalf("apply: %v", err)
			}
			if entry.Sequence != 1 || entry.ID == "" {
				t.Fatalf("store should assign id and sequence, got %+v", entry)
			}

			stale := &entity.StageHistory{FromStage: 5, ToStage: 7, ChangedBy: "u2", ChangedAt: now}
			opp.CurrentStage = entity.StageLost
			opp.Status = entity.StatusLost
			err = store.ApplyTransition(ctx, opp, entity.StageCommercialNegotiation, stale)
			if !errors.Is(err, ErrStaleStage) {
				t.Fatalf("expected ErrStaleStage, got %v", err)
			}

			got, _ := store.FindByID(ctx, "a1")
			if got.CurrentStage != entity.StageWon || got.FinalPrice == nil || !got.FinalPrice.Equal(price) {
				t.Fatalf("unexpected stored opportunity %+v", got)
			}
			if len(got.StageHistory) != 1 {
				t.Fatalf("expected 1 history entry, got %d", len(got.StageHistory))
			}

			missing := newOpp("nope", 1, now)
			if err := store.ApplyTransition(ctx, missing, 1, &entity.StageHistory{}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestApplyTransitionConcurrent(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			now := time.Now().UTC()
			if err := store.Create(ctx, newOpp("c1", entity.StageProspect, now)); err != nil {
				t.Fatalf("create: %v", err)
			}

			const n = 8
			var wg sync.WaitGroup
			results := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					opp := newOpp("c1", entity.StageQualification, now)
					results <- store.ApplyTransition(ctx, opp, entity.StageProspect, &entity.StageHistory{
						FromStage: 1, ToStage: 2, ChangedBy: "u", ChangedAt: now,
					})
				}()
			}
			wg.Wait()
			close(results)

			ok := 0
			for err := range results {
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ErrStaleStage):
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if ok != 1 {
				t.Fatalf("expected exactly one success, got %d", ok)
			}
			history, _ := store.History(ctx, "c1")
			if len(history) != 1 {
				t.Fatalf("expected 1 history row, got %d", len(history))
			}
		})
	}
}

func TestListTimeoutCandidates(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			cutoff := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

			fixtures := []*entity.Opportunity{
				newOpp("at-cutoff", entity.StageCommercialNegotiation, cutoff),
				newOpp("before", entity.StageCommercialNegotiation, cutoff.Add(-time.Hour)),
				newOpp("after", entity.StageCommercialNegotiation, cutoff.Add(time.Second)),
				newOpp("other-stage", entity.StageTechnicalQualification, cutoff.Add(-time.Hour)),
				newOpp("dropped", entity.StageDropped, cutoff.Add(-time.Hour)),
			}
			for _, opp := range fixtures {
				if err := store.Create(ctx, opp); err != nil {
					t.Fatalf("create %s: %v", opp.ID, err)
				}
			}

			items, err := store.ListTimeoutCandidates(ctx, entity.StageCommercialNegotiation, cutoff)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(items) != 2 || items[0].ID != "before" || items[1].ID != "at-cutoff" {
				t.Fatalf("unexpected candidates %v", ids(items))
			}
		})
	}
}

func TestListFilters(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			for i, id := range []string{"l1", "l2", "l3"} {
				opp := newOpp(id, entity.StageProspect+i, base.Add(time.Duration(i)*time.Hour))
				if err := store.Create(ctx, opp); err != nil {
					t.Fatalf("create: %v", err)
				}
			}

			items, total, err := store.List(ctx, ListFilter{Page: 1, PageSize: 2})
			if err != nil || total != 3 || len(items) != 2 || items[0].ID != "l3" {
				t.Fatalf("unexpected page %v total=%d err=%v", ids(items), total, err)
			}
			items, total, _ = store.List(ctx, ListFilter{Stage: entity.StageQualification})
			if total != 1 || items[0].ID != "l2" {
				t.Fatalf("stage filter: %v", ids(items))
			}
			items, total, _ = store.List(ctx, ListFilter{Keyword: "acme l3"})
			if total != 1 || items[0].ID != "l3" {
				t.Fatalf("keyword filter: %v", ids(items))
			}
		})
	}
}

func ids(items []entity.Opportunity) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
