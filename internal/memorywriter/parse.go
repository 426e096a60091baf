package memorywriter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Op is one memory mutation the model proposed. Op itself doesn't carry
// userID -- that comes from the job payload, never from model output.
type Op struct {
	Op         string             `json:"op"`
	Level      int                `json:"level"`
	Module     models.MemoryModule `json:"module"`
	Key        string             `json:"key"`
	Value      string             `json:"value,omitempty"`
	Confidence float64            `json:"confidence,omitempty"`
	Pinned     bool               `json:"pinned,omitempty"`
}

const (
	opAdd    = "add"
	opUpdate = "update"
	opDelete = "delete"
	opTouch  = "touch"
)

// rawOp is a loosely-typed op before alias normalization and shape
// validation, the array-element counterpart of pkg/models.rawCommand.
type rawOp map[string]json.RawMessage

// opFieldAliases maps alternate keys observed in model output onto the
// canonical field name, per spec.md SS4.4 ("normalises alternate field
// names (action/type/intent/... -> op, new_value/newValue -> value)").
var opFieldAliases = map[string]string{
	"action":    "op",
	"type":      "op",
	"intent":    "op",
	"operation": "op",
	"new_value": "value",
	"newValue":  "value",
	"memoryKey": "key",
	"field":     "key",
	"moduleKey": "module",
}

func normalizeRawOp(raw rawOp) {
	for alias, canonical := range opFieldAliases {
		if v, ok := raw[alias]; ok {
			if _, exists := raw[canonical]; !exists {
				raw[canonical] = v
			}
			delete(raw, alias)
		}
	}
}

// extractJSONArray returns the first balanced [...] substring in text,
// tolerating prose wrapped around the array, the array analogue of
// pkg/models.extractJSONObject.
func extractJSONArray(text string) string {
	start := strings.IndexByte(text, '[')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// parseOps extracts the first bracketed array in text, normalizes each
// element's field aliases, and decodes it into a slice of Op. An empty
// array ("no changes needed") is a valid, non-error result.
func parseOps(text string) (any, error) {
	arr := extractJSONArray(text)
	if arr == "" {
		return nil, fmt.Errorf("no JSON array found in response")
	}

	var rawOps []rawOp
	if err := json.Unmarshal([]byte(arr), &rawOps); err != nil {
		return nil, fmt.Errorf("invalid JSON array: %w", err)
	}

	ops := make([]Op, 0, len(rawOps))
	for i, raw := range rawOps {
		normalizeRawOp(raw)

		var op Op
		normalized, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("op %d: re-marshal: %w", i, err)
		}
		if err := json.Unmarshal(normalized, &op); err != nil {
			return nil, fmt.Errorf("op %d: decode: %w", i, err)
		}
		op.Op = strings.ToLower(strings.TrimSpace(op.Op))

		if err := validateOpShape(&op); err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// validateOpShape enforces the per-op-type required fields.
func validateOpShape(op *Op) error {
	switch op.Op {
	case opAdd:
		if op.Key == "" || op.Value == "" {
			return fmt.Errorf("add requires key and value")
		}
		if !models.IsValidModule(op.Module) {
			return fmt.Errorf("add: unrecognized module %q", op.Module)
		}
		if op.Level < 0 || op.Level > 5 {
			return fmt.Errorf("add: level %d out of range 0..5", op.Level)
		}
	case opUpdate:
		if op.Key == "" || op.Value == "" {
			return fmt.Errorf("update requires key and value")
		}
		if !models.IsValidModule(op.Module) {
			return fmt.Errorf("update: unrecognized module %q", op.Module)
		}
	case opDelete, opTouch:
		if op.Key == "" {
			return fmt.Errorf("%s requires key", op.Op)
		}
		if !models.IsValidModule(op.Module) {
			return fmt.Errorf("%s: unrecognized module %q", op.Op, op.Module)
		}
	default:
		return fmt.Errorf("unrecognized op %q", op.Op)
	}
	return nil
}

// parseOpsList is a convenience wrapper for callers that already know
// parseOps succeeded and want the concrete slice type back.
func parseOpsList(v any) []Op {
	ops, _ := v.([]Op)
	return ops
}

// formatConfidence renders a confidence score for the prompt's
// current-memories listing.
func formatConfidence(c float64) string {
	return strconv.FormatFloat(c, 'f', 2, 64)
}
