package httpapi

import (
	"bytes"
	"fmt"
	"time"

	"fieldrep/internal/domain"
	"fieldrep/internal/trail"

	"github.com/xuri/excelize/v2"
)

const (
	trailSamplesSheet = "Samples"
	trailVisitsSheet  = "Visits"
)

// TrailSamplesHeader 样本表头
var TrailSamplesHeader = []string{
	"Sample ID",
	"Captured At (UTC)",
	"Latitude",
	"Longitude",
	"Accuracy (m)",
	"Source Tier",
	"Attempt",
	"Quality Score",
	"Accuracy Class",
	"Confidence",
}

// TrailVisitsHeader 签到标记表头
var TrailVisitsHeader = []string{
	"Visit ID",
	"Clinic ID",
	"Status",
	"Checked In At (UTC)",
	"Latitude",
	"Longitude",
	"Source Tier",
	"Quality Score",
	"Low Confidence Presence",
}

// GenerateTrailExport 生成代表轨迹审计 Excel（样本 + 签到标记两个工作表）
func GenerateTrailExport(repID string, samples []domain.LocationSample, markers []trail.Marker) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(trailSamplesSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if _, err := f.NewSheet(trailVisitsSheet); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.SetDocProps(&excelize.DocProperties{Title: "Trail " + repID, Creator: "fieldrep"}); err != nil {
		return nil, fmt.Errorf("failed to set doc properties: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}
	// 低可信度行标黄
	lowStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FFF4CC"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create row style: %w", err)
	}

	sampleRows := make([][]any, 0, len(samples))
	lowSamples := make([]bool, 0, len(samples))
	for _, s := range samples {
		var acc any = ""
		if s.AccuracyMeters != nil {
			acc = *s.AccuracyMeters
		}
		confidence := s.Confidence()
		sampleRows = append(sampleRows, []any{
			s.SampleID,
			s.CapturedAt.UTC().Format(time.RFC3339),
			s.Latitude,
			s.Longitude,
			acc,
			string(s.SourceTier),
			s.AttemptNumber,
			s.QualityScore,
			string(s.AccuracyClass),
			string(confidence),
		})
		lowSamples = append(lowSamples, confidence == domain.ConfidenceLow)
	}
	if err := writeSheet(f, trailSamplesSheet, TrailSamplesHeader, sampleRows, lowSamples, headerStyle, lowStyle,
		[]float64{30, 22, 12, 12, 12, 18, 9, 13, 15, 12}); err != nil {
		return nil, err
	}

	visitRows := make([][]any, 0, len(markers))
	lowVisits := make([]bool, 0, len(markers))
	for _, m := range markers {
		visitRows = append(visitRows, []any{
			m.VisitID,
			m.ClinicID,
			string(m.Status),
			m.CheckedInAt.UTC().Format(time.RFC3339),
			m.Point.Latitude,
			m.Point.Longitude,
			string(m.Point.SourceTier),
			m.Point.QualityScore,
			m.LowConfidencePresence,
		})
		lowVisits = append(lowVisits, m.LowConfidencePresence)
	}
	if err := writeSheet(f, trailVisitsSheet, TrailVisitsHeader, visitRows, lowVisits, headerStyle, lowStyle,
		[]float64{38, 20, 12, 22, 12, 12, 18, 13, 24}); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write excel file: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, sheet string, headers []string, rows [][]any, highlight []bool, headerStyle, rowStyle int, widths []float64) error {
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
	}

	for i, row := range rows {
		start, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(sheet, start, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
		if highlight[i] {
			end, _ := excelize.CoordinatesToCellName(len(headers), i+2)
			if err := f.SetCellStyle(sheet, start, end, rowStyle); err != nil {
				return fmt.Errorf("failed to set row style: %w", err)
			}
		}
	}

	for i, width := range widths {
		colName, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(sheet, colName, colName, width); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}
	return f.SetPanes(sheet, &excelize.Panes{Freeze: true, Split: false, XSplit: 0, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}
