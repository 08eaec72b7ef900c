package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitfantasy/nimo-crm/internal/crm/entity"
	"github.com/bitfantasy/nimo-crm/internal/crm/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

const (
	// DefaultTimeout L5 超时自动放弃时长
	DefaultTimeout = 45 * 24 * time.Hour
	// DefaultSweepWorkers 超时扫描并发数
	DefaultSweepWorkers = 4
)

// Store is the persistence the engine needs.
type Store interface {
	FindByID(ctx context.Context, id string) (*entity.Opportunity, error)
	// ApplyTransition writes opp and appends entry only if the stored stage is still fromStage.
	ApplyTransition(ctx context.Context, opp *entity.Opportunity, fromStage int, entry *entity.StageHistory) error
	ListTimeoutCandidates(ctx context.Context, stage int, enteredBefore time.Time) ([]entity.Opportunity, error)
}

// StageLookup provides the ordered stage master data.
type StageLookup interface {
	Stages(ctx context.Context) ([]entity.PipelineStage, error)
}

// QuotationChecker reports whether a quotation has been approved.
type QuotationChecker interface {
	IsApproved(ctx context.Context, quotationID string) (bool, error)
}

// Option configures a StageEngine.
type Option func(*StageEngine)

func WithTimeout(d time.Duration) Option {
	return func(e *StageEngine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithSweepWorkers(n int) Option {
	return func(e *StageEngine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQuotationChecker enables the approved-quotation check when leaving L4.
func WithQuotationChecker(c QuotationChecker) Option {
	return func(e *StageEngine) {
		e.quotations = c
	}
}

// StageEngine 商机阶段状态机
type StageEngine struct {
	store      Store
	lookup     StageLookup
	quotations QuotationChecker
	logger     *zap.Logger
	timeout    time.Duration
	workers    int
}

func NewStageEngine(store Store, lookup StageLookup, logger *zap.Logger, opts ...Option) *StageEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &StageEngine{
		store:   store,
		lookup:  lookup,
		logger:  logger,
		timeout: DefaultTimeout,
		workers: DefaultSweepWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Timeout returns the L5 inactivity limit.
func (e *StageEngine) Timeout() time.Duration {
	return e.timeout
}

// TransitionResult 阶段变更结果
type TransitionResult struct {
	Opportunity *entity.Opportunity  `json:"opportunity"`
	Entry       *entity.StageHistory `json:"entry"`
}

// RequestTransition validates and applies a manual stage change.
func (e *StageEngine) RequestTransition(ctx context.Context, opportunityID string, targetStage int, stageData map[string]interface{}, actorID string, now time.Time) (*TransitionResult, error) {
	opp, err := e.store.FindByID(ctx, opportunityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{OpportunityID: opportunityID}
		}
		return nil, fmt.Errorf("load opportunity: %w", err)
	}
	if opp.IsTerminal() {
		return nil, &TerminalStateError{OpportunityID: opp.ID, Stage: opp.CurrentStage}
	}

	from := opp.CurrentStage
	if !IsLegalTransition(from, targetStage) {
		reason := ""
		if from == entity.StageCommercialNegotiation && targetStage == entity.StageDropped {
			reason = "L8 is only reached by the inactivity timeout"
		}
		return nil, &IllegalTransitionError{From: from, To: targetStage, Reason: reason}
	}

	data, err := validateStageData(from, targetStage, stageData)
	if err != nil {
		return nil, err
	}

	if q, ok := data.(*Stage4Data); ok && e.quotations != nil {
		approved, err := e.quotations.IsApproved(ctx, q.QuotationID)
		if err != nil {
			return nil, fmt.Errorf("check quotation %s: %w", q.QuotationID, err)
		}
		if !approved {
			return nil, &InvalidStageDataError{Stage: from, Field: "quotation_id", Reason: "quotation is not approved"}
		}
	}

	next := *opp
	next.StageHistory = nil
	payload, err := mergePayload(opp.StagePayload, entity.StageCode(from), stageData)
	if err != nil {
		return nil, &InvalidStageDataError{Stage: from, Field: "stage_data", Reason: err.Error()}
	}
	next.StagePayload = payload
	data.Apply(&next)

	entry := &entity.StageHistory{
		OpportunityID: opp.ID,
		FromStage:     from,
		ToStage:       targetStage,
		ChangedBy:     actorID,
		ChangedAt:     now,
		Notes:         e.transitionNotes(ctx, from, targetStage) + "; " + data.Summary(),
	}
	if err := e.commit(ctx, &next, from, targetStage, entry, now); err != nil {
		return nil, err
	}

	e.logger.Info("opportunity stage changed",
		zap.String("opportunity_id", next.ID),
		zap.Int("from", from),
		zap.Int("to", targetStage),
		zap.String("actor", actorID),
	)
	return &TransitionResult{Opportunity: &next, Entry: entry}, nil
}

// commit 通过 CAS 写入新阶段与历史记录
func (e *StageEngine) commit(ctx context.Context, opp *entity.Opportunity, from, to int, entry *entity.StageHistory, now time.Time) error {
	opp.CurrentStage = to
	opp.Status = entity.StatusForStage(to)
	opp.StageEnteredAt = now
	opp.UpdatedAt = now
	if entity.IsTerminalStage(to) {
		closed := now
		opp.ClosedAt = &closed
	}
	if err := e.store.ApplyTransition(ctx, opp, from, entry); err != nil {
		if errors.Is(err, repository.ErrStaleStage) {
			return &IllegalTransitionError{From: from, To: to, Reason: "stage changed concurrently", Err: err}
		}
		if errors.Is(err, repository.ErrNotFound) {
			return &NotFoundError{OpportunityID: opp.ID}
		}
		return fmt.Errorf("apply transition: %w", err)
	}
	return nil
}

func (e *StageEngine) transitionNotes(ctx context.Context, from, to int) string {
	labels := map[int]string{}
	stages := entity.DefaultStages()
	if e.lookup != nil {
		if list, err := e.lookup.Stages(ctx); err == nil && len(list) > 0 {
			stages = list
		} else if err != nil {
			e.logger.Warn("stage lookup failed, using defaults", zap.Error(err))
		}
	}
	for _, s := range stages {
		labels[s.Stage] = s.Label()
	}
	label := func(stage int) string {
		if l, ok := labels[stage]; ok {
			return l
		}
		return stageRef(stage)
	}
	return label(from) + " → " + label(to)
}

// TimeoutNotes is the history note written by the sweep.
func TimeoutNotes(timeout time.Duration) string {
	days := int(timeout / (24 * time.Hour))
	return fmt.Sprintf("Automatically dropped after %d days in Commercial Negotiation without a Won/Lost decision.", days)
}

// SweepFailure 单条超时处理失败
type SweepFailure struct {
	OpportunityID string `json:"opportunity_id"`
	Error         string `json:"error"`
}

// SweepResult 超时扫描结果
type SweepResult struct {
	Scanned    int            `json:"scanned"`
	Dropped    int            `json:"dropped"`
	DroppedIDs []string       `json:"dropped_ids"`
	Failures   []SweepFailure `json:"failures"`
}

// ApplyTimeoutSweep drops every Active L5 opportunity that entered the stage at
// least timeout before now. Per-opportunity failures are recorded and skipped.
func (e *StageEngine) ApplyTimeoutSweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	cutoff := now.Add(-e.timeout)
	candidates, err := e.store.ListTimeoutCandidates(ctx, entity.StageCommercialNegotiation, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list timeout candidates: %w", err)
	}

	result := &SweepResult{
		Scanned:    len(candidates),
		DroppedIDs: []string{},
		Failures:   []SweepFailure{},
	}
	var mu sync.Mutex
	notes := TimeoutNotes(e.timeout)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range candidates {
		opp := candidates[i]
		g.Go(func() error {
			err := e.dropOne(gctx, &opp, notes, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logger.Warn("timeout sweep skipped opportunity",
					zap.String("opportunity_id", opp.ID),
					zap.Error(err),
				)
				result.Failures = append(result.Failures, SweepFailure{OpportunityID: opp.ID, Error: err.Error()})
				return nil
			}
			result.Dropped++
			result.DroppedIDs = append(result.DroppedIDs, opp.ID)
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("timeout sweep finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("dropped", result.Dropped),
		zap.Int("failed", len(result.Failures)),
	)
	return result, nil
}

func (e *StageEngine) dropOne(ctx context.Context, opp *entity.Opportunity, notes string, now time.Time) error {
	if opp.CurrentStage != entity.StageCommercialNegotiation {
		if opp.IsTerminal() {
			return &TerminalStateError{OpportunityID: opp.ID, Stage: opp.CurrentStage}
		}
		return &IllegalTransitionError{From: opp.CurrentStage, To: entity.StageDropped}
	}
	if now.Sub(opp.StageEnteredAt) < e.timeout {
		return &IllegalTransitionError{From: opp.CurrentStage, To: entity.StageDropped, Reason: "timeout not reached"}
	}
	next := *opp
	next.StageHistory = nil
	entry := &entity.StageHistory{
		OpportunityID: opp.ID,
		FromStage:     entity.StageCommercialNegotiation,
		ToStage:       entity.StageDropped,
		ChangedBy:     entity.SystemActor,
		ChangedAt:     now,
		Notes:         notes,
		Automatic:     true,
	}
	return e.commit(ctx, &next, entity.StageCommercialNegotiation, entity.StageDropped, entry, now)
}

// mergePayload stores raw under code unless the key already exists.
func mergePayload(current datatypes.JSON, code string, raw map[string]interface{}) (datatypes.JSON, error) {
	payload := map[string]json.RawMessage{}
	if len(current) > 0 && string(current) != "null" {
		if err := json.Unmarshal(current, &payload); err != nil {
			return nil, fmt.Errorf("decode stage payload: %w", err)
		}
	}
	if _, exists := payload[code]; !exists {
		if raw == nil {
			raw = map[string]interface{}{}
		}
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		payload[code] = b
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}
