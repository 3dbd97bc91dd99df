package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SystemPrompt frames the operator prompt with the output contract every
// backend relies on.
const SystemPrompt = `You extract structured entities from documents.
Respond with JSON only: {"entities": [{"type": "...", "name": "...", "fields": {...}, "confidence": 0.0}]}.
List entities in the order they appear in the document. Use an empty list when nothing matches.`

// BuildUserPrompt joins the active prompt and the document.
func BuildUserPrompt(prompt, document string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(prompt))
	b.WriteString("\n\n<document>\n")
	b.WriteString(strings.TrimSpace(document))
	b.WriteString("\n</document>")
	return b.String()
}

type entityEnvelope struct {
	Entities []json.RawMessage `json:"entities"`
}

type rawEntity struct {
	Type       string         `json:"type"`
	Name       json.RawMessage `json:"name"`
	Fields     map[string]any `json:"fields"`
	Confidence *float64       `json:"confidence"`
}

// ParseEntities decodes an {"entities": [...]} object or a bare array. Entries
// whose name cannot be read are dropped; a name given as a list yields one
// entity per element.
func ParseEntities(content string) ([]Entity, error) {
	var items []json.RawMessage
	var envelope entityEnvelope
	if err := DecodeLLMJSON(content, &envelope); err == nil && envelope.Entities != nil {
		items = envelope.Entities
	} else if err := DecodeLLMJSON(content, &items); err != nil {
		return nil, fmt.Errorf("parse entities: %w", err)
	}

	entities := make([]Entity, 0, len(items))
	for _, item := range items {
		var raw rawEntity
		if err := json.Unmarshal(item, &raw); err != nil {
			continue
		}
		confidence := 1.0
		if raw.Confidence != nil {
			confidence = clampConfidence(*raw.Confidence)
		}
		for _, name := range decodeNames(raw.Name) {
			entities = append(entities, Entity{
				Type:       strings.TrimSpace(raw.Type),
				Name:       name,
				Fields:     raw.Fields,
				Confidence: confidence,
			})
		}
	}
	return entities, nil
}

func decodeNames(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		if name = strings.TrimSpace(name); name != "" {
			return []string{name}
		}
		return nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil
	}
	out := names[:0]
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// DecodeLLMJSON decodes JSON from an LLM response, handling common formatting quirks.
func DecodeLLMJSON(content string, target any) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return errors.New("empty payload")
	}

	directErr := json.Unmarshal([]byte(trimmed), target)
	if directErr == nil {
		return nil
	}

	sanitized := sanitizeJSONPayload(trimmed)
	if sanitized == "" || sanitized == trimmed {
		return fmt.Errorf("%w (payload snippet: %s)", directErr, summarizePayloadSnippet(trimmed))
	}

	sanitizedErr := json.Unmarshal([]byte(sanitized), target)
	if sanitizedErr == nil {
		return nil
	}
	return fmt.Errorf("%w (sanitized payload snippet: %s)", sanitizedErr, summarizePayloadSnippet(sanitized))
}

func sanitizeJSONPayload(content string) string {
	trimmed := strings.TrimSpace(stripCodeFenceBlock(content))
	if trimmed == "" {
		return ""
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return trimmed
	}
	obj := strings.Index(trimmed, "{")
	arr := strings.Index(trimmed, "[")
	open, closer := obj, "}"
	if arr >= 0 && (obj < 0 || arr < obj) {
		open, closer = arr, "]"
	}
	if open >= 0 {
		if end := strings.LastIndex(trimmed, closer); end > open {
			return strings.TrimSpace(trimmed[open : end+1])
		}
	}
	return trimmed
}

func stripCodeFenceBlock(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	body := strings.TrimLeft(trimmed[3:], " \t\r\n")
	if len(body) >= 4 && strings.EqualFold(body[:4], "json") {
		body = strings.TrimLeft(body[4:], " \t\r\n")
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}

func summarizePayloadSnippet(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "<empty>"
	}
	clean := strings.Join(strings.Fields(trimmed), " ")
	const limit = 160
	runes := []rune(clean)
	if len(runes) > limit {
		clean = string(runes[:limit]) + "..."
	}
	return clean
}
