package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValidationError mirrors the field/code/message shape the HTTP layer already
// uses for request validation, so workflow-shape errors surface the same way.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating a workflow payload.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// WorkflowLimits bounds the SIZE and SHAPE of a workflow JSON payload. Per
// spec §9, the orchestrator only ever checks size and shape here, never
// node-type semantics — that polymorphism stays in the robot runtime.
type WorkflowLimits struct {
	MaxNodes         int
	MaxConnections   int
	MaxPropertyDepth int
	MaxBytes         int
}

// DefaultWorkflowLimits returns conservative defaults sized for a single
// automation definition, not a batch of them.
func DefaultWorkflowLimits() WorkflowLimits {
	return WorkflowLimits{
		MaxNodes:         2000,
		MaxConnections:   4000,
		MaxPropertyDepth: 12,
		MaxBytes:         2 << 20, // 2 MiB
	}
}

// forbiddenPatterns lists substrings that must never appear in a workflow
// payload, regardless of where they're nested. These are the same class of
// injection primitives a code-executing robot runtime would otherwise have
// to defend against at execution time.
var forbiddenPatterns = []string{
	"__import__",
	"eval(",
	"exec(",
	"os.system",
	"subprocess.",
	"child_process",
}

type workflowShape struct {
	Nodes       []json.RawMessage `json:"nodes"`
	Connections []json.RawMessage `json:"connections"`
}

// ValidateWorkflowPayload checks raw against SIZE and SHAPE bounds only: byte
// length, node/connection counts, forbidden substrings, and nesting depth of
// each node's property bag. It never inspects node "type" values.
func ValidateWorkflowPayload(raw json.RawMessage, limits WorkflowLimits) ValidationResult {
	var errs []ValidationError

	if len(raw) > limits.MaxBytes {
		errs = append(errs, ValidationError{
			Field:   "workflow",
			Code:    "TOO_LARGE",
			Message: fmt.Sprintf("workflow payload exceeds %d bytes", limits.MaxBytes),
		})
		return ValidationResult{Valid: false, Errors: errs}
	}

	lower := strings.ToLower(string(raw))
	for _, pat := range forbiddenPatterns {
		if strings.Contains(lower, strings.ToLower(pat)) {
			errs = append(errs, ValidationError{
				Field:   "workflow",
				Code:    "FORBIDDEN_PATTERN",
				Message: fmt.Sprintf("workflow payload contains forbidden pattern %q", pat),
			})
		}
	}

	var shape workflowShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		errs = append(errs, ValidationError{
			Field:   "workflow",
			Code:    "INVALID_JSON",
			Message: "workflow payload is not valid JSON",
		})
		return ValidationResult{Valid: false, Errors: errs}
	}

	if len(shape.Nodes) > limits.MaxNodes {
		errs = append(errs, ValidationError{
			Field:   "workflow.nodes",
			Code:    "TOO_MANY",
			Message: fmt.Sprintf("workflow has %d nodes, max is %d", len(shape.Nodes), limits.MaxNodes),
		})
	}
	if len(shape.Connections) > limits.MaxConnections {
		errs = append(errs, ValidationError{
			Field:   "workflow.connections",
			Code:    "TOO_MANY",
			Message: fmt.Sprintf("workflow has %d connections, max is %d", len(shape.Connections), limits.MaxConnections),
		})
	}

	for i, node := range shape.Nodes {
		var generic any
		if err := json.Unmarshal(node, &generic); err != nil {
			continue
		}
		depth := jsonDepth(generic)
		if depth > limits.MaxPropertyDepth {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("workflow.nodes[%d]", i),
				Code:    "TOO_DEEP",
				Message: fmt.Sprintf("node properties nested %d levels deep, max is %d", depth, limits.MaxPropertyDepth),
			})
		}
	}

	if len(errs) > 0 {
		return ValidationResult{Valid: false, Errors: errs}
	}
	return ValidationResult{Valid: true}
}

// jsonDepth returns the maximum nesting depth of an arbitrary decoded JSON
// value (objects and arrays only; scalars are depth 0).
func jsonDepth(v any) int {
	switch val := v.(type) {
	case map[string]any:
		max := 0
		for _, child := range val {
			if d := jsonDepth(child); d > max {
				max = d
			}
		}
		return 1 + max
	case []any:
		max := 0
		for _, child := range val {
			if d := jsonDepth(child); d > max {
				max = d
			}
		}
		return 1 + max
	default:
		return 0
	}
}
