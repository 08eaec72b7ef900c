package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-crm/internal/crm/entity"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const exportPageSize = 500

var pipelineExportHeaders = []string{
	"Display ID", "Title", "Company", "Stage", "Status", "Days in Stage",
	"Final Price", "Margin", "Overhead", "PO Number", "Lost Reason",
	"Stage Entered", "Closed At",
}

var pipelineExportWidths = []float64{14, 30, 26, 26, 10, 14, 14, 10, 12, 16, 30, 20, 20}

// ExportPipeline 导出商机管道 Excel
func (s *OpportunityService) ExportPipeline(ctx context.Context, params ListParams) (*excelize.File, string, error) {
	stages, err := s.Stages(ctx)
	if err != nil {
		return nil, "", err
	}
	labels := make(map[int]string, len(stages))
	for _, st := range stages {
		labels[st.Stage] = st.Label()
	}

	var all []entity.Opportunity
	params.PageSize = exportPageSize
	for page := 1; ; page++ {
		params.Page = page
		items, total, err := s.List(ctx, params)
		if err != nil {
			return nil, "", err
		}
		all = append(all, items...)
		if len(items) == 0 || int64(len(all)) >= total {
			break
		}
	}

	f := excelize.NewFile()
	sheet := "Pipeline"
	f.SetSheetName("Sheet1", sheet)

	boldStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	for i, h := range pipelineExportHeaders {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, boldStyle)
	}

	now := s.now()
	for i, opp := range all {
		row := i + 2
		stage := labels[opp.CurrentStage]
		if stage == "" {
			stage = entity.StageCode(opp.CurrentStage)
		}
		values := []interface{}{
			opp.DisplayID,
			opp.Title,
			opp.CompanyName,
			stage,
			opp.Status,
			daysInStage(&opp, now),
			decimalCell(opp.FinalPrice),
			decimalCell(opp.Margin),
			decimalCell(opp.Overhead),
			opp.PONumber,
			opp.LostReason,
			opp.StageEnteredAt.Format("2006-01-02 15:04"),
			"",
		}
		if opp.ClosedAt != nil {
			values[12] = opp.ClosedAt.Format("2006-01-02 15:04")
		}
		for j, v := range values {
			col, _ := excelize.ColumnNumberToName(j + 1)
			f.SetCellValue(sheet, fmt.Sprintf("%s%d", col, row), v)
		}
	}

	for i, w := range pipelineExportWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheet, col, col, w)
	}

	filename := fmt.Sprintf("pipeline_%s.xlsx", now.Format("20060102"))
	return f, filename, nil
}

// 终态商机不再计算停留天数
func daysInStage(opp *entity.Opportunity, now time.Time) interface{} {
	if opp.IsTerminal() {
		return ""
	}
	return opp.DaysInStage(now)
}

func decimalCell(d *decimal.Decimal) interface{} {
	if d == nil {
		return ""
	}
	f, _ := d.Float64()
	return f
}
