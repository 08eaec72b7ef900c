package handler

import (
	"github.com/bitfantasy/nimo-crm/internal/crm/events"
	"github.com/bitfantasy/nimo-crm/internal/crm/service"
	"github.com/bitfantasy/nimo-crm/internal/middleware"
	"github.com/gin-gonic/gin"
)

// 权限点
const (
	PermOpportunityCreate = "crm:opportunity:create"
	PermOpportunityStage  = "crm:opportunity:stage"
	PermOpportunityExport = "crm:opportunity:export"
	PermPipelineSweep     = "crm:pipeline:sweep"
)

// Handlers CRM处理器集合
type Handlers struct {
	Opportunity *OpportunityHandler
	SSE         *SSEHandler
}

func NewHandlers(svc *service.OpportunityService, hub *events.Hub) *Handlers {
	return &Handlers{
		Opportunity: NewOpportunityHandler(svc),
		SSE:         NewSSEHandler(hub),
	}
}

// RegisterRoutes 注册 CRM 路由，crm 已经过 JWT 认证
func RegisterRoutes(crm *gin.RouterGroup, h *Handlers) {
	opps := crm.Group("/opportunities")
	{
		opps.POST("", middleware.RequirePermission(PermOpportunityCreate), h.Opportunity.Create)
		opps.GET("", h.Opportunity.List)
		opps.GET("/export", middleware.RequirePermission(PermOpportunityExport), h.Opportunity.Export)
		opps.GET("/:id", h.Opportunity.Get)
		opps.GET("/:id/history", h.Opportunity.History)
		opps.POST("/:id/change-stage", middleware.RequirePermission(PermOpportunityStage), h.Opportunity.ChangeStage)
		opps.GET("/:id/proposal-documents", h.Opportunity.ListProposalDocuments)
		opps.POST("/:id/proposal-documents", middleware.RequirePermission(PermOpportunityStage), h.Opportunity.UploadProposalDocument)
	}

	crm.GET("/stages", h.Opportunity.Stages)
	crm.POST("/pipeline/sweep", middleware.RequirePermission(PermPipelineSweep), h.Opportunity.Sweep)
	crm.GET("/events", h.SSE.Stream)
}
