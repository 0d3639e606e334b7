package doctext

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"docflow/pkg/api"
)

// extractPDF pulls text content out of a PDF. pdfcpu works on files, so the
// bytes are staged in a temp directory for the duration of the call.
func extractPDF(data []byte) (string, error) {
	dir, err := os.MkdirTemp("", "docflow-pdf-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "document.pdf")
	if err := os.WriteFile(src, data, 0o600); err != nil {
		return "", fmt.Errorf("stage pdf: %w", err)
	}

	pdfCtx, err := pdfapi.ReadContextFile(src)
	if err != nil {
		return "", api.NewFault(api.FaultValidation, "doctext", fmt.Errorf("read pdf: %w", err))
	}
	pageCount := pdfCtx.PageCount

	outDir := filepath.Join(dir, "pages")
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return "", fmt.Errorf("create page dir: %w", err)
	}
	conf := model.NewDefaultConfiguration()
	if err := pdfapi.ExtractContentFile(src, outDir, nil, conf); err != nil {
		return "", api.NewFault(api.FaultValidation, "doctext", fmt.Errorf("extract pdf content: %w", err))
	}

	// pdfcpu writes one content file per page named Content_page_<n>.
	pageTexts := make(map[int]string, pageCount)
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return "", fmt.Errorf("read page dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var pageNum int
		if _, err := fmt.Sscanf(entry.Name(), "Content_page_%d", &pageNum); err != nil {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil {
			continue
		}
		pageTexts[pageNum] = string(content)
	}

	var b strings.Builder
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		text := strings.TrimSpace(pageTexts[pageNum])
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	return b.String(), nil
}
