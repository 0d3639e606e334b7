package executor

import (
	"context"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"docflow/internal/budget"
	"docflow/internal/doctext"
	"docflow/internal/services/extractor"
	"docflow/pkg/api"
)

// Extraction downloads the document, converts it to text and runs it through
// the extraction service. Large documents are split into chunks; per-chunk
// results are merged and the confidence is averaged weighted by chunk length.
type Extraction struct {
	objects ObjectStore
	client  ExtractionClient
	budget  *budget.Manager
}

// NewExtraction wires the extracting stage.
func NewExtraction(objects ObjectStore, client ExtractionClient, b *budget.Manager) *Extraction {
	return &Extraction{objects: objects, client: client, budget: b}
}

func (x *Extraction) Stage() api.Stage { return api.StageExtracting }

func (x *Extraction) Execute(ctx context.Context, lease *api.StageLease) api.Outcome {
	p := lease.Instance.Payload
	if p == nil || p.DocumentRef == "" {
		return api.Fatal(api.FaultValidation, fmt.Errorf("workflow %s has no document reference", lease.Instance.ID))
	}

	// The download shares the stage budget with the extract calls; give it
	// one sub-deadline slot and leave the rest for chunks.
	dlBudget := x.budget.SubDeadline(time.Until(lease.Deadline), 2)
	var data []byte
	err := retrySub(ctx, func() error {
		dctx, cancel := context.WithTimeout(ctx, dlBudget)
		defer cancel()
		var derr error
		data, derr = x.objects.Download(dctx, p.DocumentRef)
		return derr
	})
	if err != nil {
		return api.OutcomeFromError(nil, fmt.Errorf("download %s: %w", p.DocumentRef, err))
	}

	text, err := doctext.Extract(p.ContentType, data)
	if err != nil {
		return api.OutcomeFromError(nil, err)
	}
	if text == "" {
		return api.Fatal(api.FaultValidation, fmt.Errorf("document %s yielded no text", p.DocumentRef))
	}

	chunks := x.budget.Chunks(text)
	perChunk := x.budget.SubDeadline(time.Until(lease.Deadline), len(chunks))

	fields := make(map[string]string)
	var weighted float64
	var total int
	for _, chunk := range chunks {
		result, cerr := x.extractChunk(ctx, chunk, perChunk)
		if cerr != nil {
			return api.OutcomeFromError(nil, cerr)
		}
		for k, v := range result.Fields {
			// First chunk to produce a field wins; later chunks only add.
			if _, ok := fields[k]; !ok {
				fields[k] = v
			}
		}
		n := utf8.RuneCountInString(chunk)
		weighted += float64(result.Confidence) * float64(n)
		total += n
	}

	confidence := 0
	if total > 0 {
		confidence = int(math.Round(weighted / float64(total)))
	}
	if confidence < 0 {
		confidence = 0
	} else if confidence > 100 {
		confidence = 100
	}

	out := *p
	out.Text = text
	out.Fields = fields
	out.Confidence = confidence
	return api.Success(&out)
}

func (x *Extraction) extractChunk(ctx context.Context, chunk string, budget time.Duration) (*extractor.Result, error) {
	var result *extractor.Result
	err := retrySub(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()
		res, cerr := x.client.Extract(cctx, chunk)
		if cerr != nil {
			return cerr
		}
		result = res
		return nil
	})
	return result, err
}
