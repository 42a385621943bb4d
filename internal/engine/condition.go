package engine

import (
	"log/slog"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
)

// EvaluateCondition decides whether a conditional step fires for an inbound
// message. It is pure and deterministic so that replayed or resumed executions
// evaluate identically.
//
// Supported conditions:
//   - "always" (or empty): true.
//   - "expression": the condition value is compiled as an expression over
//     {message, metadata}; a non-boolean result or any compile/run error is false.
//   - any other name: looked up as a sender metadata field and compared for
//     equality against the condition value.
//
// Unknown or malformed conditions fail closed: a broken flow degrades to
// skipping steps instead of crashing the engine.
func EvaluateCondition(condition, conditionValue string, msg models.InboundMessage) bool {
	condition = strings.TrimSpace(condition)

	switch condition {
	case "", models.ConditionAlways:
		return true
	case models.ConditionExpression:
		return evaluateExpression(conditionValue, msg)
	default:
		val, ok := msg.SenderMetadata[condition]
		if !ok {
			slog.Debug("EvaluateCondition: unknown condition field, failing closed", "condition", condition)
			return false
		}
		return strings.TrimSpace(val) == strings.TrimSpace(conditionValue)
	}
}

// evaluateExpression runs an expr program against the message environment.
// Missing variables resolve to nil rather than failing compilation, so flow
// authors can reference metadata fields that only some platforms provide.
func evaluateExpression(expression string, msg models.InboundMessage) bool {
	env := map[string]interface{}{
		"message":  msg.Text,
		"platform": string(msg.Platform),
		"metadata": msg.SenderMetadata,
	}

	program, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		slog.Debug("EvaluateCondition: expression compile failed, failing closed", "error", err)
		return false
	}

	out, err := expr.Run(program, env)
	if err != nil {
		slog.Debug("EvaluateCondition: expression run failed, failing closed", "error", err)
		return false
	}

	result, ok := out.(bool)
	if !ok {
		return false
	}
	return result
}
