package dataset

import (
	"fmt"
	"sort"
	"strings"
)

// Format is the canonical structure a dataset is converted into
type Format string

const (
	FormatAlpaca   Format = "alpaca"
	FormatShareGPT Format = "sharegpt"
	FormatRaw      Format = "raw"
)

// SupportedFormats lists the canonical structures in CLI order
var SupportedFormats = []Format{FormatAlpaca, FormatShareGPT, FormatRaw}

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range SupportedFormats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unsupported data format %q (supported: alpaca, sharegpt, raw)", s)
}

// Sample is a canonical training/evaluation record. The concrete type is
// selected by Format and never changes after construction.
type Sample interface {
	Format() Format
}

// AlpacaSample is the instruction/input/output structure
type AlpacaSample struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

// Turn is one message of a conversation
type Turn struct {
	From  string `json:"from"`
	Value string `json:"value"`
}

// ConversationSample is the ShareGPT structure. Conversations is nil when the
// source carried a conversations field that was not a list of turns.
type ConversationSample struct {
	Conversations []Turn `json:"conversations"`
}

// RawSample is plain text with an optional declared output
type RawSample struct {
	Text   string `json:"text"`
	Output string `json:"output,omitempty"`
}

func (AlpacaSample) Format() Format       { return FormatAlpaca }
func (ConversationSample) Format() Format { return FormatShareGPT }
func (RawSample) Format() Format          { return FormatRaw }

// FormatRecords converts source records into samples of the given format
func FormatRecords(records []Record, format Format) ([]Sample, error) {
	var mapper func(Record) Sample
	switch format {
	case FormatAlpaca:
		mapper = toAlpaca
	case FormatShareGPT:
		mapper = toConversation
	case FormatRaw:
		mapper = toRaw
	default:
		return nil, fmt.Errorf("unsupported data format %q", format)
	}

	samples := make([]Sample, 0, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		samples = append(samples, mapper(r))
	}
	return samples, nil
}

func firstPresent(r Record, keys ...string) string {
	for _, k := range keys {
		if v, ok := r[k]; ok {
			return Stringify(v)
		}
	}
	return ""
}

func toAlpaca(r Record) Sample {
	return AlpacaSample{
		Instruction: firstPresent(r, "instruction", "prompt"),
		Input:       firstPresent(r, "input"),
		Output:      firstPresent(r, "output", "response", "text"),
	}
}

func toConversation(r Record) Sample {
	if raw, ok := r["conversations"]; ok {
		return ConversationSample{Conversations: parseTurns(raw)}
	}
	if text, ok := r["text"]; ok {
		return ConversationSample{Conversations: []Turn{{From: "user", Value: Stringify(text)}}}
	}

	user := Stringify(r["instruction"])
	if user == "" {
		user = Stringify(r["input"])
	}
	return ConversationSample{Conversations: []Turn{
		{From: "user", Value: user},
		{From: "assistant", Value: Stringify(r["output"])},
	}}
}

func parseTurns(raw any) []Turn {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	turns := make([]Turn, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		turns = append(turns, Turn{
			From:  firstPresent(m, "from", "role"),
			Value: firstPresent(m, "value", "content"),
		})
	}
	return turns
}

func toRaw(r Record) Sample {
	if text, ok := r["text"]; ok {
		return RawSample{Text: Stringify(text), Output: Stringify(r["output"])}
	}

	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = Stringify(r[k])
	}
	return RawSample{Text: strings.Join(parts, " ")}
}

// TrainingText renders a sample into the single string a causal LM trains on
func TrainingText(s Sample) string {
	switch v := s.(type) {
	case AlpacaSample:
		if v.Input != "" {
			return v.Instruction + "\n" + v.Input + "\n" + v.Output
		}
		return v.Instruction + "\n" + v.Output
	case ConversationSample:
		parts := make([]string, len(v.Conversations))
		for i, t := range v.Conversations {
			parts[i] = t.Value
		}
		return strings.Join(parts, "\n")
	case RawSample:
		return v.Text
	}
	return ""
}
