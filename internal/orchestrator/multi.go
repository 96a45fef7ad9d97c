package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/modelid"

	"golang.org/x/sync/errgroup"
)

const emptyAnswer = "(empty answer)"

const mergeInstruction = "Combine the best fragments of the answers below into one coherent, practical answer. " +
	"If the answers contradict each other, briefly explain the discrepancy and pick the most likely option."

// ModelResult is one model's answer in a multi turn. Error is set only when the model
// failed; a successful answer may have empty Text.
type ModelResult struct {
	Model    string      `json:"model"`
	Provider string      `json:"provider,omitempty"`
	Text     string      `json:"text,omitempty"`
	Error    string      `json:"error,omitempty"`
	Usage    *core.Usage `json:"usage,omitempty"`
}

// MultiResult holds the per-model results in request order and the merged answer.
type MultiResult struct {
	OK          bool          `json:"ok"`
	Results     []ModelResult `json:"results"`
	MergedText  string        `json:"mergedText"`
	MergeModel  string        `json:"mergeModel"`
	MergeUsage  *core.Usage   `json:"mergeUsage,omitempty"`
	MergeFailed bool          `json:"mergeFailed,omitempty"`
}

// MultiModels returns the comparison set: requested models normalized and deduplicated,
// with the primary in front when it is not already listed. The primary is the request
// model, or the first requested model when none is given.
func MultiModels(req *TurnRequest) (primary string, models []string) {
	requested := modelid.NormalizeList(req.Models)
	if len(requested) == 0 {
		return "", nil
	}

	primary = modelid.Normalize(req.Model)
	if primary == "" {
		primary = requested[0]
	}
	for _, m := range requested {
		if m == primary {
			return primary, requested
		}
	}
	return primary, append([]string{primary}, requested...)
}

// Multi asks every model concurrently, then has the primary merge the answers.
// Per-model failures are reported inline and never abort the others; a failed merge
// degrades to a description of the failure.
func (o *Orchestrator) Multi(ctx context.Context, req *TurnRequest) (*MultiResult, error) {
	primary, models := MultiModels(req)
	if len(models) == 0 {
		return nil, &Failure{
			Status:  http.StatusBadRequest,
			Message: "no models to compare",
			Code:    "E_BAD_REQUEST",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	results := make([]ModelResult, len(models))
	var g errgroup.Group
	g.SetLimit(o.multiConcurrency)

	for i, model := range models {
		g.Go(func() error {
			results[i] = ModelResult{Model: model, Provider: o.resolver.ProviderFor(model)}
			start := time.Now()

			gen, err := o.generate(ctx, req.APIKeys, o.generateRequest(req, model))
			if err != nil {
				o.logger.Warn("Multi: %s failed after %v: %v", model, time.Since(start), err)
				results[i].Error = err.Error()
				return nil
			}

			usage := gen.Usage
			results[i].Text = gen.Text
			results[i].Usage = &usage
			o.logger.Debug("Multi: %s answered in %v (%d tokens)", model, time.Since(start), usage.TotalTokens)
			return nil
		})
	}
	_ = g.Wait()

	out := &MultiResult{OK: true, Results: results, MergeModel: primary}

	mergeReq := o.generateRequest(req, primary)
	mergeReq.Messages = nil
	mergeReq.Prompt = MergePrompt(results)

	gen, err := o.generate(ctx, req.APIKeys, mergeReq)
	if err != nil {
		o.logger.Warn("Multi: merge on %s failed: %v", primary, err)
		out.MergedText = "merge failed: " + err.Error()
		out.MergeFailed = true
		return out, nil
	}
	usage := gen.Usage
	out.MergedText = gen.Text
	out.MergeUsage = &usage
	return out, nil
}

// MergePrompt lists every model's answer or error, labeled by model id.
func MergePrompt(results []ModelResult) string {
	sections := make([]string, 0, len(results))
	for _, r := range results {
		if r.Error != "" {
			sections = append(sections, fmt.Sprintf("Model %s error: %s", r.Model, r.Error))
			continue
		}
		text := r.Text
		if strings.TrimSpace(text) == "" {
			text = emptyAnswer
		}
		sections = append(sections, fmt.Sprintf("Model %s:\n%s", r.Model, text))
	}
	return mergeInstruction + "\n\n" + strings.Join(sections, "\n\n")
}
