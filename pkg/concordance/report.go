package concordance

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

var reportHeader = []string{
	"indicator", "site_code", "site_name",
	"KHIS", "DATIM", "NDW",
	"concordance_KHIS_to_DATIM", "concordance_KHIS_to_NDW",
}

// WriteCSV writes the report rows as CSV, one line per indicator and
// site.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(reportHeader); err != nil {
		return fmt.Errorf("failed to write report header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.Indicator,
			row.SiteCode,
			row.SiteName,
			formatValue(row.KHIS),
			formatValue(row.DATIM),
			formatValue(row.NDW),
			fmt.Sprintf("%.1f", row.ConcordanceKHISToDATIM),
			fmt.Sprintf("%.1f", row.ConcordanceKHISToNDW),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write report row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// RenderTable prints a human-readable summary table of the report.
func RenderTable(w io.Writer, rows []Row) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Indicator", "Site", "KHIS", "DATIM", "NDW", "KHIS/DATIM %", "KHIS/NDW %"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, row := range rows {
		table.Append([]string{
			row.Indicator,
			row.SiteCode,
			formatValue(row.KHIS),
			formatValue(row.DATIM),
			formatValue(row.NDW),
			fmt.Sprintf("%.1f", row.ConcordanceKHISToDATIM),
			fmt.Sprintf("%.1f", row.ConcordanceKHISToNDW),
		})
	}
	table.Render()
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}
