package doctext

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"docflow/pkg/api"
)

// extractCSV renders a CSV document as labeled lines, one record per line.
// The header row, when present, is used to label each value so the
// extraction service sees "name: value" pairs instead of bare cells.
func extractCSV(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1 // tolerate ragged rows
	rows, err := r.ReadAll()
	if err != nil {
		return "", api.NewFault(api.FaultValidation, "doctext", fmt.Errorf("parse csv: %w", err))
	}
	if len(rows) == 0 {
		return "", api.NewFault(api.FaultValidation, "doctext", fmt.Errorf("csv has no rows"))
	}

	header := rows[0]
	lines := make([]string, 0, len(rows))
	for _, row := range rows[1:] {
		parts := make([]string, 0, len(row))
		for i, cell := range row {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			if i < len(header) && strings.TrimSpace(header[i]) != "" {
				cell = strings.TrimSpace(header[i]) + ": " + cell
			}
			parts = append(parts, cell)
		}
		if len(parts) > 0 {
			lines = append(lines, strings.Join(parts, ", "))
		}
	}
	if len(lines) == 0 {
		// Header-only file: emit the header itself so there is something
		// to extract from.
		lines = append(lines, strings.Join(header, ", "))
	}
	return strings.Join(lines, "\n"), nil
}
