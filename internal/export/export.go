package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
)

// Format is an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat resolves a format name. An empty name means JSON.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: unsupported export format %q", apperrors.ErrBadRequest, name)
	}
}

// ContentType returns the HTTP content type of the format.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json; charset=utf-8"
}

// FileName returns the attachment name for a report.
func (f Format) FileName(report *model.DiagnosticReport) string {
	return fmt.Sprintf("diagnostic-%s-%s.%s", report.AccountID, report.GeneratedAt.UTC().Format("20060102T150405Z"), f)
}

// csvHeader is the column order of the flattened missing-call rows.
var csvHeader = []string{
	"external_call_id",
	"agent_external_id",
	"agent_name",
	"direction",
	"from_number",
	"to_number",
	"started_at",
	"duration_seconds",
	"reason",
}

// WriteReport writes the report in the given format. CSV carries only the missing-call rows.
func WriteReport(w io.Writer, format Format, report *model.DiagnosticReport) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, report)
	case FormatCSV:
		return WriteMissingCallsCSV(w, report.MissingCalls)
	default:
		return fmt.Errorf("%w: unsupported export format %q", apperrors.ErrBadRequest, format)
	}
}

// WriteJSON writes v as indented JSON. v is a DiagnosticReport or a SyncRun.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON export: %w", err)
	}
	return nil
}

// WriteMissingCallsCSV writes one row per missing call, preceded by the header row.
func WriteMissingCallsCSV(w io.Writer, calls []model.MissingCall) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, c := range calls {
		row := []string{
			c.ExternalCallID,
			c.AgentExternalID,
			c.AgentName,
			c.Direction,
			c.FromNumber,
			c.ToNumber,
			formatTime(c.StartedAt),
			strconv.Itoa(c.DurationSeconds),
			string(c.Reason),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row for %s: %w", c.ExternalCallID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ParseMissingCallsCSV reads rows written by WriteMissingCallsCSV.
func ParseMissingCallsCSV(r io.Reader) ([]model.MissingCall, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty CSV export", apperrors.ErrBadRequest)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read CSV header: %w", apperrors.ErrBadRequest, err)
	}
	for i, name := range csvHeader {
		if header[i] != name {
			return nil, fmt.Errorf("%w: unexpected CSV column %d %q, want %q", apperrors.ErrBadRequest, i, header[i], name)
		}
	}

	var calls []model.MissingCall
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", apperrors.ErrBadRequest, line, err)
		}

		startedAt, err := parseTime(row[6])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: started_at: %w", apperrors.ErrBadRequest, line, err)
		}
		duration, err := strconv.Atoi(row[7])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: duration_seconds: %w", apperrors.ErrBadRequest, line, err)
		}
		reason := model.SkipReason(row[8])
		if !reason.Valid() {
			return nil, fmt.Errorf("%w: line %d: unknown reason %q", apperrors.ErrBadRequest, line, row[8])
		}

		calls = append(calls, model.MissingCall{
			ExternalCallID:  row[0],
			AgentExternalID: row[1],
			AgentName:       row[2],
			Direction:       row[3],
			FromNumber:      row[4],
			ToNumber:        row[5],
			StartedAt:       startedAt,
			DurationSeconds: duration,
			Reason:          reason,
		})
	}
	return calls, nil
}

// ReasonDistribution counts calls per attributed reason.
func ReasonDistribution(calls []model.MissingCall) map[model.SkipReason]int {
	dist := make(map[model.SkipReason]int)
	for _, c := range calls {
		dist[c.Reason]++
	}
	return dist
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
