package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lodestarlabs/analystd/internal/inference"
	"github.com/lodestarlabs/analystd/internal/memory"
)

// ContextRetriever is the memory surface the pipeline reads from.
type ContextRetriever interface {
	RetrieveContext(ctx context.Context, workspaceID, query, threadID string) memory.Context
}

// finding builds a finding stamped with the current time.
func finding(stage Stage, agent, summary string) Finding {
	return Finding{
		Stage:     stage,
		Agent:     agent,
		Summary:   summary,
		CreatedAt: time.Now().UTC(),
	}
}

// ingestHandler assembles the memory context for the run. Pure data fetch.
type ingestHandler struct {
	memory ContextRetriever
}

func (h *ingestHandler) Stage() Stage { return StageIngest }

func (h *ingestHandler) Execute(ctx context.Context, snap Snapshot) (Delta, error) {
	memCtx := h.memory.RetrieveContext(ctx, snap.WorkspaceID, snap.Query, snap.ThreadID)

	summary := fmt.Sprintf("context assembled: short_term=%t episodic=%d semantic=%d",
		memCtx.ShortTerm != "", len(memCtx.Episodic), len(memCtx.Semantic))
	if len(memCtx.Degraded) > 0 {
		summary += " degraded=" + strings.Join(memCtx.Degraded, ",")
	}

	return Delta{
		Context:  &memCtx,
		Findings: []Finding{finding(StageIngest, "", summary)},
	}, nil
}

// extractHandler pulls candidate findings out of the query plus context.
// Gated inference; re-entered on each retry iteration.
type extractHandler struct {
	client inference.Client
}

func (h *extractHandler) Stage() Stage { return StageExtract }

func (h *extractHandler) Execute(ctx context.Context, snap Snapshot) (Delta, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Extract the key findings from the following input.\n\nInput: %s\n", snap.Query)
	if snap.Context.ShortTerm != "" {
		fmt.Fprintf(&prompt, "\nRecent trace: %s\n", snap.Context.ShortTerm)
	}
	for _, rec := range snap.Context.Episodic {
		fmt.Fprintf(&prompt, "\nRelated episode: %s\n", rec.Content)
	}
	for _, rec := range snap.Context.Semantic {
		fmt.Fprintf(&prompt, "\nKnown pattern: %s\n", rec.Content)
	}
	if snap.Iteration > 0 {
		fmt.Fprintf(&prompt, "\nPrevious attempt was judged insufficient: %s\n", snap.Reflection)
	}

	completion, err := h.client.Invoke(ctx, prompt.String())
	if err != nil {
		return Delta{}, fmt.Errorf("extract inference: %w", err)
	}

	var findings []Finding
	for _, line := range strings.Split(completion.Text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			findings = append(findings, finding(StageExtract, "extract", line))
		}
	}

	return Delta{
		Cost:     int64(completion.Tokens),
		Findings: findings,
	}, nil
}

// attributeHandler links extracted findings back to their sources. Pure
// data shaping, no inference.
type attributeHandler struct{}

func (h *attributeHandler) Stage() Stage { return StageAttribute }

func (h *attributeHandler) Execute(ctx context.Context, snap Snapshot) (Delta, error) {
	extracted := 0
	for _, f := range snap.Findings {
		if f.Stage == StageExtract {
			extracted++
		}
	}

	sources := 1 + len(snap.Context.Episodic) + len(snap.Context.Semantic)
	summary := fmt.Sprintf("attributed %d finding(s) across %d source(s)", extracted, sources)

	return Delta{
		Findings: []Finding{finding(StageAttribute, "", summary)},
	}, nil
}

// specialistHandler is one branch of the fan-out. Each instance carries its
// own agent identity and analytic focus, and is gated independently.
type specialistHandler struct {
	client inference.Client
	stage  Stage
	focus  string
}

func (h *specialistHandler) Stage() Stage { return h.stage }

func (h *specialistHandler) Execute(ctx context.Context, snap Snapshot) (Delta, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "You are the %s specialist. Analyze the findings below for %s.\n", h.stage, h.focus)
	for _, f := range snap.Findings {
		if f.Stage == StageExtract {
			fmt.Fprintf(&prompt, "- %s\n", f.Summary)
		}
	}

	completion, err := h.client.Invoke(ctx, prompt.String())
	if err != nil {
		return Delta{}, fmt.Errorf("%s inference: %w", h.stage, err)
	}

	return Delta{
		Cost:     int64(completion.Tokens),
		Findings: []Finding{finding(h.stage, string(h.stage), strings.TrimSpace(completion.Text))},
		Outcomes: []string{fmt.Sprintf("%s completed", h.stage)},
	}, nil
}

// reflectHandler self-assesses the accumulated findings.
type reflectHandler struct {
	client inference.Client
}

func (h *reflectHandler) Stage() Stage { return StageReflect }

func (h *reflectHandler) Execute(ctx context.Context, snap Snapshot) (Delta, error) {
	var prompt strings.Builder
	prompt.WriteString("Assess the quality and completeness of these findings. ")
	prompt.WriteString("Reply exactly as:\nConfidence: <0..1>\nReflection: <one paragraph>\n\n")
	for _, f := range snap.Findings {
		fmt.Fprintf(&prompt, "- [%s] %s\n", f.Stage, f.Summary)
	}

	completion, err := h.client.Invoke(ctx, prompt.String())
	if err != nil {
		return Delta{}, fmt.Errorf("reflect inference: %w", err)
	}

	confidence, reflection := ParseReflection(completion.Text)

	return Delta{
		Cost:       int64(completion.Tokens),
		Reflection: &reflection,
		Confidence: &confidence,
	}, nil
}

// critiqueHandler independently scores the reflection. Its confidence
// overwrites the self-reported one and is the value the retry gate reads.
type critiqueHandler struct {
	client inference.Client
}

func (h *critiqueHandler) Stage() Stage { return StageCritique }

func (h *critiqueHandler) Execute(ctx context.Context, snap Snapshot) (Delta, error) {
	prompt := fmt.Sprintf(
		"Critique this assessment of an analysis run. Reply exactly as:\nConfidence: <0..1>\nReflection: <critique>\n\nAssessment: %s\nSelf-reported confidence: %.2f\n",
		snap.Reflection, snap.Confidence)

	completion, err := h.client.Invoke(ctx, prompt)
	if err != nil {
		return Delta{}, fmt.Errorf("critique inference: %w", err)
	}

	confidence, critique := ParseReflection(completion.Text)

	return Delta{
		Cost:       int64(completion.Tokens),
		Confidence: &confidence,
		Findings:   []Finding{finding(StageCritique, "critique", critique)},
	}, nil
}

// evaluateHandler produces the terminal quality summary. Deterministic.
type evaluateHandler struct{}

func (h *evaluateHandler) Stage() Stage { return StageEvaluate }

func (h *evaluateHandler) Execute(ctx context.Context, snap Snapshot) (Delta, error) {
	summary := fmt.Sprintf("run %s: confidence %.2f after %d iteration(s), %d finding(s)",
		snap.RunID, snap.Confidence, snap.Iteration+1, len(snap.Findings))

	return Delta{
		Findings: []Finding{finding(StageEvaluate, "", summary)},
		Outcomes: []string{summary},
	}, nil
}
