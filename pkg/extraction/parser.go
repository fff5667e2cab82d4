package extraction

import (
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// LLM output is untrusted input. Parsing walks a fallback chain: strict
// JSON, then a fenced code block, then the first balanced bracketed array
// in the text, then gives up with an empty result.

const factsSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["text"],
		"properties": {
			"text": {"type": "string", "minLength": 1},
			"category": {"type": "string"}
		}
	}
}`

const actionsSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["action"],
		"properties": {
			"action": {"type": "string", "enum": ["ADD", "UPDATE", "DELETE", "NOOP"]},
			"id": {"type": "integer"},
			"text": {"type": "string"},
			"category": {"type": "string"}
		}
	}
}`

var (
	factsSchemaLoader   = gojsonschema.NewStringLoader(factsSchema)
	actionsSchemaLoader = gojsonschema.NewStringLoader(actionsSchema)
)

// extractArray pulls a JSON array out of free-form completion text
func extractArray(text string) (string, bool) {
	// Tier 1: the whole response is the array
	trimmed := strings.TrimSpace(text)
	if isJSONArray(trimmed) {
		return trimmed, true
	}

	// Tier 2: array inside a fenced code block
	if block, ok := fencedBlock(text); ok && isJSONArray(block) {
		return block, true
	}

	// Tier 3: first balanced bracketed array anywhere in the text
	if candidate, ok := scanBracketedArray(text); ok && isJSONArray(candidate) {
		return candidate, true
	}

	return "", false
}

func isJSONArray(s string) bool {
	if !strings.HasPrefix(s, "[") {
		return false
	}
	var probe []interface{}
	return json.Unmarshal([]byte(s), &probe) == nil
}

// fencedBlock returns the contents of the first ``` fence, tolerating a
// language tag on the opening line.
func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(rest[:nl])
		if len(firstLine) <= 10 && !strings.Contains(firstLine, "[") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// scanBracketedArray finds the first '[' and scans to its balanced ']',
// honoring strings and escapes.
func scanBracketedArray(text string) (string, bool) {
	start := strings.IndexByte(text, '[')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '[':
			depth++
		case !inString && c == ']':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// parseFacts parses completion text into facts. Unparseable output yields
// an empty list, never an error.
func parseFacts(text string) []Fact {
	raw, ok := extractArray(text)
	if !ok {
		return nil
	}

	result, err := gojsonschema.Validate(factsSchemaLoader, gojsonschema.NewStringLoader(raw))
	if err != nil || !result.Valid() {
		return nil
	}

	var facts []Fact
	if err := json.Unmarshal([]byte(raw), &facts); err != nil {
		return nil
	}
	return facts
}

type rawAction struct {
	Action   string `json:"action"`
	ID       int64  `json:"id"`
	Text     string `json:"text"`
	Category string `json:"category"`
}

// parseActions parses reconciliation output. The second return is false
// when the output is unusable (parse failure, schema violation, or a
// count mismatch with the fact list), in which case the caller fails safe.
func parseActions(text string, factCount int) ([]rawAction, bool) {
	raw, ok := extractArray(text)
	if !ok {
		return nil, false
	}

	result, err := gojsonschema.Validate(actionsSchemaLoader, gojsonschema.NewStringLoader(raw))
	if err != nil || !result.Valid() {
		return nil, false
	}

	var actions []rawAction
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, false
	}
	if len(actions) != factCount {
		return nil, false
	}
	return actions, true
}
