// Package doctext turns uploaded document bytes into plain text for
// extraction. It understands CSV and PDF content types; anything else is a
// validation failure that should fail the workflow without retries.
package doctext

import (
	"fmt"
	"strings"

	"docflow/pkg/api"
)

// Content types accepted by the pipeline.
const (
	ContentTypeCSV = "text/csv"
	ContentTypePDF = "application/pdf"
)

// Extract converts document bytes into plain text based on content type.
// Unsupported content types and undecodable documents return a validation
// fault.
func Extract(contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", api.NewFault(api.FaultValidation, "doctext", fmt.Errorf("empty document"))
	}
	switch normalize(contentType) {
	case ContentTypeCSV:
		return extractCSV(data)
	case ContentTypePDF:
		return extractPDF(data)
	default:
		return "", api.NewFault(api.FaultValidation, "doctext",
			fmt.Errorf("unsupported content type %q", contentType))
	}
}

// normalize strips MIME parameters, e.g. "text/csv; charset=utf-8".
func normalize(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
