package cost

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/perr"
)

// ExportXLSX writes a user's monthly cost ledger to an .xlsx workbook at
// outPath, for the `cost-report` command.
func ExportXLSX(events []Event, outPath string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Cost Ledger"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"Job ID", "Stage", "Service", "Units", "Unit Cost", "Total USD", "Timestamp"}
	for col, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	var grandTotal float64
	for row, e := range events {
		r := row + 2
		f.SetCellValue(sheet, cellAt(1, r), e.JobID)
		f.SetCellValue(sheet, cellAt(2, r), e.Stage)
		f.SetCellValue(sheet, cellAt(3, r), e.Service)
		f.SetCellValue(sheet, cellAt(4, r), e.Units)
		f.SetCellValue(sheet, cellAt(5, r), e.UnitCost)
		f.SetCellValue(sheet, cellAt(6, r), e.TotalUSD())
		f.SetCellValue(sheet, cellAt(7, r), e.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
		grandTotal += e.TotalUSD()
	}

	totalRow := len(events) + 3
	f.SetCellValue(sheet, cellAt(5, totalRow), "Total")
	f.SetCellValue(sheet, cellAt(6, totalRow), grandTotal)

	if err := f.SaveAs(outPath); err != nil {
		return perr.Wrap(perr.ConfigError, "", fmt.Errorf("writing xlsx report: %w", err))
	}
	return nil
}

func cellAt(col, row int) string {
	cell, _ := excelize.CoordinatesToCellName(col, row)
	return cell
}
