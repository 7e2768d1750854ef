package xlsx

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ruslano69/orgdata/pkg/dataop"
	"github.com/ruslano69/orgdata/pkg/etl"
)

// DefaultSheet - имя листа отчета по умолчанию
const DefaultSheet = "Report"

// Колонки листа отчета
var reportHeaders = []string{"Step", "Object", "Record Type", "Status", "Records Processed", "Row Errors", "Job Errors"}

// ReportWriter сохраняет итоговый отчет запуска в файл Excel.
// Каждый запуск перезаписывает файл.
type ReportWriter struct {
	path  string
	sheet string
}

var _ etl.ReportSink = (*ReportWriter)(nil)

// NewReportWriter создает writer; пустой sheet - DefaultSheet
func NewReportWriter(path, sheet string) *ReportWriter {
	if sheet == "" {
		sheet = DefaultSheet
	}
	return &ReportWriter{path: path, sheet: sheet}
}

// Publish реализует etl.ReportSink
func (w *ReportWriter) Publish(ctx context.Context, run etl.RunInfo, report *etl.Report, runErr error) error {
	if report == nil {
		report = etl.NewReport()
	}
	return WriteReport(w.path, w.sheet, run, report, runErr)
}

// WriteReport пишет отчет на лист sheet и сводку запуска на лист "Run"
//
// Example:
//
//	err := xlsx.WriteReport("report.xlsx", "Report", run, report, nil)
func WriteReport(filePath, sheet string, run etl.RunInfo, report *etl.Report, runErr error) error {
	f := excelize.NewFile()
	defer f.Close()

	// Create/rename sheet
	index, err := f.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if sheet != "Sheet1" {
		f.DeleteSheet("Sheet1")
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	failedStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Color: "#C00000", Bold: true},
	})

	for col, header := range reportHeaders {
		cell := columnName(col+1) + "1"
		f.SetCellValue(sheet, cell, header)
		f.SetCellStyle(sheet, cell, cell, headerStyle)
	}

	row := 2
	for step, sr := range report.All() {
		values := []any{
			step,
			sr.SObject,
			sr.RecordType,
			string(sr.Status),
			sr.RecordsProcessed,
			sr.TotalRowErrors,
			strings.Join(sr.JobErrors, "\n"),
		}
		for col, v := range values {
			f.SetCellValue(sheet, columnName(col+1)+strconv.Itoa(row), v)
		}
		if sr.Status == dataop.StatusJobFailure {
			cell := "D" + strconv.Itoa(row)
			f.SetCellStyle(sheet, cell, cell, failedStyle)
		}
		row++
	}

	f.SetColWidth(sheet, "A", "A", 40)
	f.SetColWidth(sheet, "B", "F", 18)
	f.SetColWidth(sheet, "G", "G", 60)
	f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if err := writeRunSheet(f, run, report, runErr, headerStyle); err != nil {
		return err
	}

	// Save file
	if err := f.SaveAs(filePath); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// writeRunSheet - сводка запуска: пары "параметр - значение"
func writeRunSheet(f *excelize.File, run etl.RunInfo, report *etl.Report, runErr error, headerStyle int) error {
	const sheet = "Run"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}

	status := "success"
	errText := ""
	if runErr != nil {
		status = "failed"
		errText = runErr.Error()
	}
	processed, rowErrors := report.Totals()

	rows := [][]any{
		{"Run ID", run.ID},
		{"Kind", string(run.Kind)},
		{"Mapping", run.Mapping},
		{"Started", run.StartedAt},
		{"Finished", run.FinishedAt},
		{"Status", status},
		{"Records Processed", processed},
		{"Row Errors", rowErrors},
		{"Error", errText},
	}
	for i, r := range rows {
		n := strconv.Itoa(i + 1)
		f.SetCellValue(sheet, "A"+n, r[0])
		f.SetCellStyle(sheet, "A"+n, "A"+n, headerStyle)
		f.SetCellValue(sheet, "B"+n, r[1])
	}
	f.SetColWidth(sheet, "A", "A", 20)
	f.SetColWidth(sheet, "B", "B", 60)
	return nil
}

// ReadReport читает лист отчета обратно в etl.Report
//
// Example:
//
//	report, err := xlsx.ReadReport("report.xlsx", "Report")
func ReadReport(filePath, sheet string) (*etl.Report, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = DefaultSheet
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %s has no header", sheet)
	}

	report := etl.NewReport()
	for i, r := range rows[1:] {
		// GetRows обрезает пустые ячейки в конце строки
		cells := make([]string, len(reportHeaders))
		copy(cells, r)

		processed, err := atoi(cells[4])
		if err != nil {
			return nil, fmt.Errorf("row %d: records processed: %w", i+2, err)
		}
		rowErrors, err := atoi(cells[5])
		if err != nil {
			return nil, fmt.Errorf("row %d: row errors: %w", i+2, err)
		}
		var jobErrors []string
		if cells[6] != "" {
			jobErrors = strings.Split(cells[6], "\n")
		}
		report.Add(cells[0], etl.StepReport{
			SObject:          cells[1],
			RecordType:       cells[2],
			Status:           dataop.Status(cells[3]),
			JobErrors:        jobErrors,
			RecordsProcessed: processed,
			TotalRowErrors:   rowErrors,
		})
	}
	return report, nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// columnName - convert column number to Excel column name (1 -> A, 27 -> AA)
func columnName(col int) string {
	name := ""
	for col > 0 {
		col--
		name = string(rune('A'+col%26)) + name
		col /= 26
	}
	return name
}
