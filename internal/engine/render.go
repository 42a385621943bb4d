package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
)

// RenderContent substitutes {{field}} placeholders in a reply template.
// {{message}} resolves to the triggering message text and any other field is
// looked up in the sender metadata. Unresolved placeholders pass through
// unchanged so that authored content is never silently dropped.
func RenderContent(template string, msg models.InboundMessage) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start

		b.WriteString(rest[:start])
		field := strings.TrimSpace(rest[start+2 : end])

		if field == "message" {
			b.WriteString(msg.Text)
		} else if val, ok := msg.SenderMetadata[field]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(rest[start : end+2])
		}
		rest = rest[end+2:]
	}
	return b.String()
}

// renderStepContent produces the final reply body for a step. Steps carrying a
// generation prompt use the GenAI client when one is configured; static
// content with placeholder substitution is the fallback in every other case.
func (e *Engine) renderStepContent(ctx context.Context, step models.Step, msg models.InboundMessage) string {
	if step.GenPrompt != "" && e.genai != nil {
		content, err := e.genai.GenerateReply(ctx, step.GenPrompt, msg.Text)
		if err == nil && content != "" {
			return content
		}
		slog.Warn("Engine.renderStepContent: generation failed, falling back to static content", "error", err, "stepNumber", step.StepNumber)
	}
	return RenderContent(step.ReplyContent, msg)
}
