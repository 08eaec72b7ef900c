package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-crm/internal/crm/entity"
	"github.com/bitfantasy/nimo-crm/internal/crm/events"
	"github.com/bitfantasy/nimo-crm/internal/crm/pipeline"
	"github.com/bitfantasy/nimo-crm/internal/crm/repository"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SweepLockKey 超时扫描分布式锁
const SweepLockKey = "crm:pipeline:sweep:lock"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrSweepRunning = errors.New("timeout sweep already running")
)

// ObjectStorage is the subset of *minio.Client used for proposal documents.
type ObjectStorage interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Config 服务配置
type Config struct {
	Bucket       string
	SweepLockTTL time.Duration
}

// OpportunityService 商机服务
type OpportunityService struct {
	repo    repository.OpportunityStore
	stages  repository.StageSource
	engine  *pipeline.StageEngine
	hub     *events.Hub
	rdb     *redis.Client
	storage ObjectStorage
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewOpportunityService rdb and storage may be nil.
func NewOpportunityService(repos *repository.Repositories, engine *pipeline.StageEngine, hub *events.Hub, rdb *redis.Client, storage ObjectStorage, cfg Config, logger *zap.Logger) *OpportunityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepLockTTL <= 0 {
		cfg.SweepLockTTL = 10 * time.Minute
	}
	return &OpportunityService{
		repo:    repos.Opportunity,
		stages:  repos.Stage,
		engine:  engine,
		hub:     hub,
		rdb:     rdb,
		storage: storage,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (s *OpportunityService) SetClock(now func() time.Time) {
	s.now = now
}

// CreateOpportunityRequest 线索转商机请求
type CreateOpportunityRequest struct {
	LeadID      string `json:"lead_id"`
	CompanyID   string `json:"company_id"`
	CompanyName string `json:"company_name"`
	LeadOwnerID string `json:"lead_owner_id"`
	CurrencyID  string `json:"currency_id"`
	Title       string `json:"title"`
}

// CreateFromLead 由已批准的线索创建商机，初始阶段 L1
func (s *OpportunityService) CreateFromLead(ctx context.Context, req *CreateOpportunityRequest, actorID string) (*entity.Opportunity, error) {
	var missing []string
	if strings.TrimSpace(req.LeadID) == "" {
		missing = append(missing, "lead_id")
	}
	if strings.TrimSpace(req.CompanyID) == "" {
		missing = append(missing, "company_id")
	}
	if strings.TrimSpace(req.LeadOwnerID) == "" {
		missing = append(missing, "lead_owner_id")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s required", ErrInvalidInput, strings.Join(missing, ", "))
	}

	now := s.now()
	title := req.Title
	if title == "" {
		title = req.CompanyName
	}
	opp := &entity.Opportunity{
		ID:             uuid.New().String(),
		DisplayID:      NewDisplayID(),
		Title:          title,
		LeadID:         req.LeadID,
		CompanyID:      req.CompanyID,
		CompanyName:    req.CompanyName,
		LeadOwnerID:    req.LeadOwnerID,
		CurrencyID:     req.CurrencyID,
		CurrentStage:   entity.StageProspect,
		Status:         entity.StatusActive,
		StageEnteredAt: now,
		StagePayload:   []byte("{}"),
		CreatedBy:      actorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, opp); err != nil {
		return nil, fmt.Errorf("create opportunity: %w", err)
	}

	s.logger.Info("opportunity created",
		zap.String("opportunity_id", opp.ID),
		zap.String("display_id", opp.DisplayID),
		zap.String("lead_id", opp.LeadID),
		zap.String("actor", actorID),
	)
	s.publish(events.OpportunityCreated, events.StageChange{
		OpportunityID: opp.ID,
		DisplayID:     opp.DisplayID,
		ToStage:       opp.CurrentStage,
		Status:        opp.Status,
		ChangedBy:     actorID,
	})
	return opp, nil
}

// NewDisplayID 生成 OPP-XXXXXXX
func NewDisplayID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "OPP-" + strings.ToUpper(raw[:7])
}

// Get 获取商机详情（含阶段历史）
func (s *OpportunityService) Get(ctx context.Context, id string) (*entity.Opportunity, error) {
	opp, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find opportunity: %w", err)
	}
	return opp, nil
}

// ListParams 列表查询参数
type ListParams struct {
	Stage       int
	Status      string
	CompanyID   string
	LeadOwnerID string
	Keyword     string
	Page        int
	PageSize    int
}

func (p ListParams) filter() repository.ListFilter {
	return repository.ListFilter{
		Stage:       p.Stage,
		Status:      p.Status,
		CompanyID:   p.CompanyID,
		LeadOwnerID: p.LeadOwnerID,
		Keyword:     p.Keyword,
		Page:        p.Page,
		PageSize:    p.PageSize,
	}
}

// List 商机列表
func (s *OpportunityService) List(ctx context.Context, params ListParams) ([]entity.Opportunity, int64, error) {
	items, total, err := s.repo.List(ctx, params.filter())
	if err != nil {
		return nil, 0, fmt.Errorf("list opportunities: %w", err)
	}
	return items, total, nil
}

// History 阶段历史
func (s *OpportunityService) History(ctx context.Context, id string) ([]entity.StageHistory, error) {
	items, err := s.repo.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("stage history: %w", err)
	}
	return items, nil
}

// ChangeStageRequest 阶段变更请求
type ChangeStageRequest struct {
	TargetStage int                    `json:"target_stage"`
	StageData   map[string]interface{} `json:"stage_data"`
}

// ChangeStage 手动推进阶段
func (s *OpportunityService) ChangeStage(ctx context.Context, id string, req *ChangeStageRequest, actorID string) (*pipeline.TransitionResult, error) {
	res, err := s.engine.RequestTransition(ctx, id, req.TargetStage, req.StageData, actorID, s.now())
	if err != nil {
		if kind := pipeline.KindOf(err); kind != "" {
			s.logger.Info("stage change rejected",
				zap.String("opportunity_id", id),
				zap.Int("target", req.TargetStage),
				zap.String("kind", kind),
				zap.String("actor", actorID),
				zap.Error(err),
			)
		}
		return nil, err
	}
	s.publish(events.StageChanged, events.StageChange{
		OpportunityID: res.Opportunity.ID,
		DisplayID:     res.Opportunity.DisplayID,
		FromStage:     res.Entry.FromStage,
		ToStage:       res.Entry.ToStage,
		Status:        res.Opportunity.Status,
		ChangedBy:     actorID,
	})
	return res, nil
}

// RunTimeoutSweep 执行 L5 超时扫描；配置 redis 时同一时刻只有一个实例执行
func (s *OpportunityService) RunTimeoutSweep(ctx context.Context) (*pipeline.SweepResult, error) {
	if s.rdb != nil {
		token := uuid.New().String()
		ok, err := s.rdb.SetNX(ctx, SweepLockKey, token, s.cfg.SweepLockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			return nil, ErrSweepRunning
		}
		defer s.releaseLock(token)
	}

	result, err := s.engine.ApplyTimeoutSweep(ctx, s.now())
	if err != nil {
		return nil, err
	}
	for _, id := range result.DroppedIDs {
		s.publish(events.StageChanged, events.StageChange{
			OpportunityID: id,
			FromStage:     entity.StageCommercialNegotiation,
			ToStage:       entity.StageDropped,
			Status:        entity.StatusDropped,
			ChangedBy:     entity.SystemActor,
			Automatic:     true,
		})
	}
	s.publish(events.SweepCompleted, result)
	return result, nil
}

func (s *OpportunityService) releaseLock(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	current, err := s.rdb.Get(ctx, SweepLockKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("read sweep lock", zap.Error(err))
		}
		return
	}
	if current == token {
		s.rdb.Del(ctx, SweepLockKey)
	}
}

// Stages 阶段主数据
func (s *OpportunityService) Stages(ctx context.Context) ([]entity.PipelineStage, error) {
	stages, err := s.stages.Stages(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stages: %w", err)
	}
	return stages, nil
}

// UploadProposalDocument 上传方案文档，返回的文档ID可作为 L3 的 proposal_documents 引用
func (s *OpportunityService) UploadProposalDocument(ctx context.Context, opportunityID, fileName string, reader io.Reader, fileSize int64, contentType, actorID string) (*entity.ProposalDocument, error) {
	opp, err := s.repo.FindByID(ctx, opportunityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &pipeline.NotFoundError{OpportunityID: opportunityID}
		}
		return nil, fmt.Errorf("find opportunity: %w", err)
	}
	if opp.IsTerminal() {
		return nil, &pipeline.TerminalStateError{OpportunityID: opp.ID, Stage: opp.CurrentStage}
	}

	docID := uuid.New().String()
	objectName := fmt.Sprintf("proposals/%s/%s%s", opp.ID, docID, strings.ToLower(filepath.Ext(fileName)))

	if s.storage != nil {
		_, err = s.storage.PutObject(ctx, s.cfg.Bucket, objectName, reader, fileSize, minio.PutObjectOptions{
			ContentType: contentType,
		})
		if err != nil {
			return nil, fmt.Errorf("upload file: %w", err)
		}
	}

	doc := &entity.ProposalDocument{
		ID:            docID,
		OpportunityID: opp.ID,
		FileName:      fileName,
		ObjectKey:     objectName,
		ContentType:   contentType,
		Size:          fileSize,
		UploadedBy:    actorID,
		CreatedAt:     s.now(),
	}
	if err := s.repo.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("save document: %w", err)
	}
	return doc, nil
}

// ProposalDocuments 商机已上传的方案文档
func (s *OpportunityService) ProposalDocuments(ctx context.Context, opportunityID string) ([]entity.ProposalDocument, error) {
	return s.repo.ListDocuments(ctx, opportunityID)
}

func (s *OpportunityService) publish(eventType string, payload interface{}) {
	if s.hub != nil {
		s.hub.Publish(eventType, payload)
	}
}
