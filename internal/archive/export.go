// Package archive exports security event history for long-term retention
// and offloads snapshots to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/gatekeep/internal/security"
)

// Format defines supported export formats.
type Format string

const (
	// FormatCSV exports events as comma-separated values.
	FormatCSV Format = "csv"
	// FormatJSON exports events as a JSON array.
	FormatJSON Format = "json"
)

// ExportOptions configures a security event export.
type ExportOptions struct {
	Format     Format    // Export format (csv or json)
	From       time.Time // Start of time range (inclusive)
	To         time.Time // End of time range (inclusive)
	Identifier string    // Filter by hashed identifier (optional)
	Limit      int       // Maximum number of entries to export (0 = no limit)
}

// Export renders security events matching the options as bytes in the
// requested format. Events come back from the store newest first and are
// exported in that order.
func Export(ctx context.Context, store security.Store, opts ExportOptions) ([]byte, error) {
	if opts.Format != FormatCSV && opts.Format != FormatJSON {
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}

	// Query without limit first so the time filter sees everything, then
	// apply the limit to the filtered result.
	events, err := store.ListEvents(ctx, opts.Identifier, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	if !opts.From.IsZero() || !opts.To.IsZero() {
		events = filterByTimeRange(events, opts.From, opts.To)
	}
	if opts.Limit > 0 && len(events) > opts.Limit {
		events = events[:opts.Limit]
	}

	switch opts.Format {
	case FormatCSV:
		return exportToCSV(events)
	default:
		return exportToJSON(events)
	}
}

func filterByTimeRange(events []*security.SecurityEvent, from, to time.Time) []*security.SecurityEvent {
	var filtered []*security.SecurityEvent
	for _, e := range events {
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && e.Timestamp.After(to) {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

func exportToCSV(events []*security.SecurityEvent) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"ID",
		"Timestamp (UTC)",
		"Identifier",
		"Event Type",
		"Severity",
		"Was Blocked",
		"Action Taken",
		"Description",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range events {
		row := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Identifier,
			string(e.Type),
			string(e.Severity),
			fmt.Sprintf("%t", e.WasBlocked),
			e.ActionTaken,
			e.Description,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

func exportToJSON(events []*security.SecurityEvent) ([]byte, error) {
	type exportEvent struct {
		ID          string `json:"id"`
		Timestamp   string `json:"timestamp"`
		Identifier  string `json:"identifier"`
		EventType   string `json:"event_type"`
		Severity    string `json:"severity"`
		WasBlocked  bool   `json:"was_blocked"`
		ActionTaken string `json:"action_taken,omitempty"`
		Description string `json:"description,omitempty"`
	}

	out := make([]exportEvent, len(events))
	for i, e := range events {
		out[i] = exportEvent{
			ID:          e.ID,
			Timestamp:   e.Timestamp.UTC().Format(time.RFC3339),
			Identifier:  e.Identifier,
			EventType:   string(e.Type),
			Severity:    string(e.Severity),
			WasBlocked:  e.WasBlocked,
			ActionTaken: e.ActionTaken,
			Description: e.Description,
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
