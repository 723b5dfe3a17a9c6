package output

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kidager/dmarcpipe/pkg/types"
)

// CSVHeader is the export header, in record field order.
var CSVHeader = []string{
	"messageId",
	"reportingOrg",
	"sourceIp",
	"disposition",
	"dkimResult",
	"spfResult",
	"domain",
	"headerFrom",
	"count",
	"processedAt",
	"country",
	"failureReason",
}

// WriteCSV writes the rows processed in now's calendar month as CSV. Every
// field is double-quoted and embedded quotes are doubled. It returns the
// number of data rows written.
func WriteCSV(w io.Writer, rows []types.Record, now time.Time) (int, error) {
	bw := bufio.NewWriter(w)
	start := types.MonthStart(now)
	end := start.AddDate(0, 1, 0)

	if err := writeCSVLine(bw, CSVHeader); err != nil {
		return 0, err
	}

	written := 0
	for _, r := range rows {
		at := r.ProcessedAt.In(now.Location())
		if at.Before(start) || !at.Before(end) {
			continue
		}
		if err := writeCSVLine(bw, csvFields(r)); err != nil {
			return written, err
		}
		written++
	}

	return written, bw.Flush()
}

// ExportFilename names the export for the month containing now.
func ExportFilename(now time.Time) string {
	return "dmarc-" + types.PartitionKey(now) + ".csv"
}

func csvFields(r types.Record) []string {
	return []string{
		r.MessageID,
		r.ReportingOrg,
		r.SourceIP,
		string(r.Disposition),
		string(r.DKIMResult),
		string(r.SPFResult),
		r.Domain,
		r.HeaderFrom,
		strconv.Itoa(r.Count),
		r.ProcessedAt.UTC().Format(time.RFC3339),
		r.Country,
		r.FailureReason,
	}
}

func writeCSVLine(w *bufio.Writer, fields []string) error {
	for i, f := range fields {
		if i > 0 {
			if err := w.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(`"` + strings.ReplaceAll(f, `"`, `""`) + `"`); err != nil {
			return err
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}
