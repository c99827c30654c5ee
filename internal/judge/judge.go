// Package judge implements the LLM-as-a-judge backends used to score model
// predictions: an Ollama HTTP client and a judge served by the generation
// model server.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cklxx/all4you/internal/dataset"
	"github.com/cklxx/all4you/internal/util"
)

// PromptTemplate is the fixed judge instruction. Placeholders are resolved
// with the dataset template resolver.
const PromptTemplate = "You are an expert evaluator. Given the instruction, optional input, reference answer, " +
	"and the model answer, provide a JSON object with keys 'score' (1-5) and 'explanation'.\n" +
	"Instruction: {instruction}\n" +
	"Input: {input}\n" +
	"Reference Answer: {reference}\n" +
	"Model Answer: {prediction}\n" +
	"Evaluation:"

// Backend is a judge capability
type Backend interface {
	// Name is the identifier reported as the active judge model
	Name() string
	// Available is a best-effort liveness probe; it never returns an error
	Available(ctx context.Context) bool
	// Generate submits prompt and returns the judge's raw text
	Generate(ctx context.Context, prompt string) (string, error)
}

// ErrUnavailable matches every *UnavailableError via errors.Is
var ErrUnavailable = errors.New("judge unavailable")

// UnavailableError reports that a judge backend could not be reached or does
// not serve the requested model. It triggers the evaluator's fallback chain.
type UnavailableError struct {
	Model      string
	StatusCode int
	Message    string
	Err        error
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("judge %s unavailable: %s", e.Model, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports ErrUnavailable as a match
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a success response the client could not interpret.
// It is never treated as unavailability.
type ProtocolError struct {
	Model   string
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("judge %s protocol error: %s", e.Model, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err signals judge unavailability
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// BuildPrompt renders PromptTemplate for one sample
func BuildPrompt(instruction, input, reference, prediction string) string {
	return dataset.ResolveTemplate(PromptTemplate, dataset.Record{
		"instruction": instruction,
		"input":       orDefault(input, "(none)"),
		"reference":   orDefault(reference, "(none)"),
		"prediction":  orDefault(prediction, "(empty)"),
	})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Verdict is the parsed judge answer
type Verdict struct {
	Score       *float64
	Explanation string
}

var (
	jsonObjectRegex = regexp.MustCompile(`(?s)\{.*\}`)
	scoreRegex      = regexp.MustCompile(`([1-5](?:\.\d+)?)`)
)

// ParseVerdict extracts a score and explanation from the judge's raw text.
// The outermost {...} span is decoded as JSON; when that fails, or the score
// cannot be coerced to a number, the first 1-5 digit pattern in the text is
// used as the score and the whole text as the explanation. An object without
// a score key yields a nil score.
//
// Both the JSON and the digit searches run on the text with reasoning blocks
// removed, so a digit inside <think>...</think> is never taken as the score
// even when no other digit appears. This differs from searching the raw
// reply. The fallback explanation still carries the raw text.
func ParseVerdict(raw string) Verdict {
	answer := util.StripThinkTags(raw)
	candidate := answer
	if m := jsonObjectRegex.FindString(answer); m != "" {
		candidate = m
	}

	if v, ok := parseJSONVerdict(candidate); ok {
		return v
	}
	// LLMs sometimes emit literal newlines inside JSON strings
	if sanitized := sanitizeJSON(candidate); sanitized != candidate {
		if v, ok := parseJSONVerdict(sanitized); ok {
			return v
		}
	}

	return Verdict{Score: regexScore(answer), Explanation: raw}
}

func parseJSONVerdict(candidate string) (Verdict, bool) {
	dec := json.NewDecoder(strings.NewReader(candidate))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return Verdict{}, false
	}
	if dec.More() {
		return Verdict{}, false
	}

	var v Verdict
	if rawScore, ok := obj["score"]; ok {
		score, ok := coerceScore(rawScore)
		if !ok {
			return Verdict{}, false
		}
		v.Score = &score
	}

	switch e := obj["explanation"].(type) {
	case nil:
	case string:
		v.Explanation = strings.TrimSpace(e)
	default:
		v.Explanation = strings.TrimSpace(dataset.Stringify(e))
	}
	return v, true
}

func coerceScore(v any) (float64, bool) {
	switch s := v.(type) {
	case json.Number:
		f, err := s.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func regexScore(raw string) *float64 {
	m := scoreRegex.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &f
}

// sanitizeJSON escapes literal newlines that appear inside JSON string values
func sanitizeJSON(s string) string {
	var result strings.Builder
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			result.WriteByte(ch)
			escaped = false
			continue
		}

		if ch == '\\' {
			result.WriteByte(ch)
			escaped = true
			continue
		}

		if ch == '"' {
			result.WriteByte(ch)
			inString = !inString
			continue
		}

		if inString && (ch == '\n' || ch == '\r') {
			result.WriteString("\\n")
			if ch == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			continue
		}

		result.WriteByte(ch)
	}

	return result.String()
}
