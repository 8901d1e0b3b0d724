// Package jsonutil parses JSON out of LLM responses, which routinely arrive
// wrapped in markdown code fences or surrounded by explanatory prose.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Unfence removes a ```json ... ``` (or bare ```) wrapper from text.
// Text without fences is returned unchanged.
func Unfence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	if len(lines) < 3 {
		return text
	}

	end := len(lines) - 1
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}

	return strings.Join(lines[1:end], "\n")
}

// Extract returns the first JSON object or array embedded in text.
// It locates the earliest { or [ and cuts at the last matching close delimiter.
func Extract(text string) (string, error) {
	text = strings.TrimSpace(text)

	obj := strings.Index(text, "{")
	arr := strings.Index(text, "[")
	if obj == -1 && arr == -1 {
		return "", fmt.Errorf("no JSON content found")
	}

	start, close := obj, "}"
	if obj == -1 || (arr != -1 && arr < obj) {
		start, close = arr, "]"
	}

	text = text[start:]
	end := strings.LastIndex(text, close)
	if end == -1 {
		return "", fmt.Errorf("unterminated JSON: no closing %s", close)
	}

	return text[:end+1], nil
}

// Decode strips fences from a raw LLM response, extracts the embedded JSON
// and unmarshals it into T. Errors carry a truncated preview of the offending
// text so a bad model response can be diagnosed from logs alone.
func Decode[T any](raw string) (T, error) {
	var out T

	jsonStr, err := Extract(Unfence(raw))
	if err != nil {
		return out, fmt.Errorf("%w (response length: %d)", err, len(raw))
	}

	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		preview := jsonStr
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return out, fmt.Errorf("invalid JSON: %w (text: %s)", err, preview)
	}
	return out, nil
}
