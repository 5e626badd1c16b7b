package report

import (
	"bytes"
	"fmt"

	"brainlytree-engine/internal/models"

	"github.com/xuri/excelize/v2"
)

// SessionReportHeader 唤醒明细表头
var SessionReportHeader = []string{
	"Device ID",
	"State",
	"Image Name",
	"Temperature",
	"Humidity",
	"Pressure",
	"Gas Resistance",
	"Battery Voltage",
	"Signal Strength",
	"Overage",
	"Failure Reason",
	"Wake Time",
}

// GenerateSessionReport 生成会话报表 Excel 文件
// 第一张表是会话汇总，第二张表是唤醒明细
func GenerateSessionReport(sess *models.WakeSession, payloads []*models.WakePayload) ([]byte, error) {
	f := excelize.NewFile()
	// WriteTo 需要文件保持打开，不能在这里 defer Close

	summarySheet := "Session Summary"
	index, err := f.NewSheet(summarySheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create summary sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	summaryRows := [][]interface{}{
		{"Site ID", sess.SiteID},
		{"Session Date", sess.SessionDate},
		{"Time Zone", sess.TimeZone},
		{"Status", sess.Status},
		{"Expected Wakes", sess.ExpectedWakeCount},
		{"Completed Wakes", sess.CompletedWakeCount},
		{"Failed Wakes", sess.FailedWakeCount},
		{"Extra Wakes", sess.ExtraWakeCount},
		{"Completion %", fmt.Sprintf("%.1f", sess.CompletionPercent())},
	}
	for i, row := range summaryRows {
		for j, value := range row {
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(summarySheet, cell, value); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set summary cell %s: %w", cell, err)
			}
		}
	}
	if err := f.SetColWidth(summarySheet, "A", "A", 20); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set column width: %w", err)
	}
	if err := f.SetColWidth(summarySheet, "B", "B", 25); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set column width: %w", err)
	}

	detailSheet := "Wake Payloads"
	if _, err := f.NewSheet(detailSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create detail sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold: true,
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range SessionReportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(detailSheet, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(detailSheet, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
	}

	for rowIdx, p := range payloads {
		row := rowIdx + 2
		values := []interface{}{
			p.DeviceID,
			p.State,
			strOrEmpty(p.ImageName),
			floatOrEmpty(p.Temperature),
			floatOrEmpty(p.Humidity),
			floatOrEmpty(p.Pressure),
			floatOrEmpty(p.GasResistance),
			floatOrEmpty(p.BatteryVoltage),
			intOrEmpty(p.SignalStrength),
			boolText(p.Overage),
			strOrEmpty(p.FailureReason),
			p.CreatedAt.Format("2006-01-02 15:04:05"),
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(detailSheet, cell, value); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell %s: %w", cell, err)
			}
		}
	}

	// 冻结明细表头
	if err := f.SetPanes(detailSheet, &excelize.Panes{
		Freeze:      true,
		Split:       false,
		XSplit:      0,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	return buf.Bytes(), nil
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func floatOrEmpty(f *float64) interface{} {
	if f == nil {
		return ""
	}
	return *f
}

func intOrEmpty(i *int) interface{} {
	if i == nil {
		return ""
	}
	return *i
}

func boolText(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
