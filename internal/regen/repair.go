package regen

import (
	"context"
	"fmt"
	"strings"

	"scadloop/internal/script"
)

// RepairRequest carries everything the collaborator needs to fix a script:
// always the original first-attempt script, never an intermediate one, so
// repeated partial fixes cannot compound drift.
type RepairRequest struct {
	OriginalScript  script.Script
	ErrorMessage    string
	DiagnosticLines []string
}

const repairSystemPrompt = `You are an expert in parametric CSG model scripts. You will be given a model script that failed a safety check or crashed the geometry compiler, together with the diagnostic. Produce a corrected script that preserves the design intent.

HARD RULES:
- Never use division inside a scale() vector; precompute ratios as top-level parameters
- Keep primitives grouped under hull() clearly separated (center distance well above the sum of radii)
- Keep scale() vectors near-uniform (component ratio at most 5:1, no component below 0.7)
- Keep radii at or below 80 and heights, widths and lengths at or below 200
- Do not wrap a centered linear_extrude in a rotate, and do not center-extrude a polygon directly
- Define every parameter as a top-level 'name = literal;' assignment

Respond with only the corrected script, optionally inside a single code fence.`

// Repairer abstracts the regeneration collaborator for the orchestrator.
// A nil script with a nil error means the collaborator declined; both are
// treated upstream as one consumed attempt.
type Repairer interface {
	Repair(ctx context.Context, req RepairRequest) (*script.Script, error)
}

// Declined is a Repairer for deployments without a configured
// collaborator. Every request is declined, so each repair opportunity
// consumes an attempt and the job moves toward the template fallback.
type Declined struct{}

func (Declined) Repair(ctx context.Context, req RepairRequest) (*script.Script, error) {
	return nil, nil
}

// Repair asks the collaborator for a fixed script.
func (c *Client) Repair(ctx context.Context, req RepairRequest) (*script.Script, error) {
	var prompt strings.Builder
	prompt.WriteString("The following script failed:\n\n")
	prompt.WriteString(req.OriginalScript.Text())
	prompt.WriteString("\n\nError: ")
	prompt.WriteString(req.ErrorMessage)
	if len(req.DiagnosticLines) > 0 {
		prompt.WriteString("\n\nDiagnostics:\n")
		for _, line := range req.DiagnosticLines {
			prompt.WriteString("- ")
			prompt.WriteString(line)
			prompt.WriteString("\n")
		}
	}
	prompt.WriteString("\nProduce the corrected script.")

	result, err := c.Generate(ctx, repairSystemPrompt, prompt.String(), 0.3)
	if err != nil {
		return nil, fmt.Errorf("regeneration request failed: %w", err)
	}

	fixed := CleanScript(result.Content)
	if strings.TrimSpace(fixed) == "" {
		return nil, nil
	}
	s := script.New(fixed)
	return &s, nil
}

// CleanScript strips markdown code fences from a collaborator response.
// When fences are present only fenced content survives; otherwise the
// whole response is taken as the script.
func CleanScript(content string) string {
	if !strings.Contains(content, "```") {
		return strings.TrimSpace(content)
	}

	lines := strings.Split(content, "\n")
	var cleaned []string
	inFence := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			cleaned = append(cleaned, line)
		}
	}
	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}
