package handler

import (
	"strconv"
	"strings"

	"github.com/bitfantasy/nimo-crm/internal/crm/entity"
	"github.com/bitfantasy/nimo-crm/internal/crm/service"
	"github.com/gin-gonic/gin"
)

// maxProposalSize 方案文档上传上限
const maxProposalSize = 50 << 20

// OpportunityHandler 商机处理器
type OpportunityHandler struct {
	svc *service.OpportunityService
}

func NewOpportunityHandler(svc *service.OpportunityService) *OpportunityHandler {
	return &OpportunityHandler{svc: svc}
}

// Create POST /opportunities （线索转商机）
func (h *OpportunityHandler) Create(c *gin.Context) {
	var req service.CreateOpportunityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	opp, err := h.svc.CreateFromLead(c.Request.Context(), &req, GetUserID(c))
	if err != nil {
		HandleError(c, err)
		return
	}
	Created(c, opp)
}

// List GET /opportunities
func (h *OpportunityHandler) List(c *gin.Context) {
	params, ok := listParams(c)
	if !ok {
		return
	}
	items, total, err := h.svc.List(c.Request.Context(), params)
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, ListResponse{
		Items:      items,
		Pagination: NewPagination(params.Page, params.PageSize, total),
	})
}

// Get GET /opportunities/:id
func (h *OpportunityHandler) Get(c *gin.Context) {
	opp, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, opp)
}

// History GET /opportunities/:id/history
func (h *OpportunityHandler) History(c *gin.Context) {
	items, err := h.svc.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, gin.H{"items": items})
}

// ChangeStage POST /opportunities/:id/change-stage
func (h *OpportunityHandler) ChangeStage(c *gin.Context) {
	var req service.ChangeStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	res, err := h.svc.ChangeStage(c.Request.Context(), c.Param("id"), &req, GetUserID(c))
	if err != nil {
		HandleError(c, err)
		return
	}
	c.JSON(200, gin.H{
		"code":           0,
		"message":        "Stage changed to " + entity.StageCode(res.Opportunity.CurrentStage),
		"opportunity_id": res.Opportunity.ID,
		"current_stage":  res.Opportunity.CurrentStage,
		"status":         res.Opportunity.Status,
		"data":           res.Entry,
	})
}

// UploadProposalDocument POST /opportunities/:id/proposal-documents
func (h *OpportunityHandler) UploadProposalDocument(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "请上传文件")
		return
	}
	if fileHeader.Size > maxProposalSize {
		BadRequest(c, "文件大小不能超过50MB")
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		InternalError(c, "读取文件失败: "+err.Error())
		return
	}
	defer file.Close()

	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	doc, err := h.svc.UploadProposalDocument(c.Request.Context(), c.Param("id"), fileHeader.Filename, file, fileHeader.Size, contentType, GetUserID(c))
	if err != nil {
		HandleError(c, err)
		return
	}
	Created(c, doc)
}

// ListProposalDocuments GET /opportunities/:id/proposal-documents
func (h *OpportunityHandler) ListProposalDocuments(c *gin.Context) {
	docs, err := h.svc.ProposalDocuments(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, gin.H{"items": docs})
}

// Export GET /opportunities/export
func (h *OpportunityHandler) Export(c *gin.Context) {
	params, ok := listParams(c)
	if !ok {
		return
	}
	f, filename, err := h.svc.ExportPipeline(c.Request.Context(), params)
	if err != nil {
		HandleError(c, err)
		return
	}
	defer f.Close()

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Header("Content-Transfer-Encoding", "binary")

	if err := f.Write(c.Writer); err != nil {
		InternalError(c, "write excel: "+err.Error())
	}
}

// Stages GET /stages
func (h *OpportunityHandler) Stages(c *gin.Context) {
	stages, err := h.svc.Stages(c.Request.Context())
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, gin.H{"items": stages})
}

// Sweep POST /pipeline/sweep （手动触发超时扫描）
func (h *OpportunityHandler) Sweep(c *gin.Context) {
	res, err := h.svc.RunTimeoutSweep(c.Request.Context())
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, res)
}

func listParams(c *gin.Context) (service.ListParams, bool) {
	page, pageSize := GetPagination(c)
	params := service.ListParams{
		Status:      c.Query("status"),
		CompanyID:   c.Query("company_id"),
		LeadOwnerID: c.Query("lead_owner_id"),
		Keyword:     c.Query("keyword"),
		Page:        page,
		PageSize:    pageSize,
	}
	if raw := c.Query("stage"); raw != "" {
		stage, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(raw), "L"))
		if err != nil || stage < entity.MinStage || stage > entity.MaxStage {
			BadRequest(c, "stage 参数无效: "+raw)
			return params, false
		}
		params.Stage = stage
	}
	return params, true
}
