package judge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func score(f float64) *float64 { return &f }

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		score       *float64
		explanation string
	}{
		{"json object", `{"score": 4, "explanation": "good"}`, score(4), "good"},
		{"json with prose", "Sure!\n```json\n{\"score\": 3.5, \"explanation\": \"  ok \"}\n```", score(3.5), "ok"},
		{"string score", `{"score": "5", "explanation": "great"}`, score(5), "great"},
		{"regex fallback", "Score: 3 out of 5 - decent", score(3), "Score: 3 out of 5 - decent"},
		{"missing score key", `{"explanation": "no number"}`, nil, "no number"},
		{"null score falls back to text", `{"score": null} rated 2`, score(2), `{"score": null} rated 2`},
		{"no digits", "cannot judge", nil, "cannot judge"},
		{"newline inside string", "{\"score\": 2, \"explanation\": \"line one\nline two\"}", score(2), "line one\nline two"},
		{"out of range json kept", `{"score": 7}`, score(7), ""},
		{"reasoning block ignored", "<think>maybe a 1? {\"draft\": true}</think>\n{\"score\": 4, \"explanation\": \"fine\"}", score(4), "fine"},
		{"digit only inside reasoning", "<think>I would give it a 2</think>cannot judge", nil, "<think>I would give it a 2</think>cannot judge"},
		{"reasoning digit skipped for answer digit", "<think>not a 1</think>Rating: 4", score(4), "<think>not a 1</think>Rating: 4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ParseVerdict(tt.raw)
			if tt.score == nil {
				assert.Nil(t, v.Score)
			} else {
				require.NotNil(t, v.Score)
				assert.InDelta(t, *tt.score, *v.Score, 1e-9)
			}
			assert.Equal(t, tt.explanation, v.Explanation)
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("Translate {this}", "", "", "")
	assert.Equal(t, "You are an expert evaluator. Given the instruction, optional input, reference answer, "+
		"and the model answer, provide a JSON object with keys 'score' (1-5) and 'explanation'.\n"+
		"Instruction: Translate {this}\n"+
		"Input: (none)\n"+
		"Reference Answer: (none)\n"+
		"Model Answer: (empty)\n"+
		"Evaluation:", p)

	p = BuildPrompt("q", "ctx", "ref", "pred")
	assert.Contains(t, p, "Input: ctx\nReference Answer: ref\nModel Answer: pred\n")
}

func TestUnavailableError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("evaluate: %w", &UnavailableError{Model: "ollama:qwen", Message: "down", Err: cause})

	assert.True(t, IsUnavailable(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "evaluate: judge ollama:qwen unavailable: down: dial tcp: refused", err.Error())

	var protoErr error = &ProtocolError{Model: "m", Message: "bad"}
	assert.False(t, IsUnavailable(protoErr))
}

func TestParseName(t *testing.T) {
	tests := []struct {
		in, backend, model, canonical string
	}{
		{"ollama:qwen2:8b", "ollama", "qwen2:8b", "ollama:qwen2:8b"},
		{" ollama/llama3 ", "ollama", "llama3", "ollama:llama3"},
		{"Qwen/Qwen3-4B", "model", "Qwen/Qwen3-4B", "Qwen/Qwen3-4B"},
	}
	for _, tt := range tests {
		backend, model := ParseName(tt.in)
		assert.Equal(t, tt.backend, backend, tt.in)
		assert.Equal(t, tt.model, model, tt.in)
		assert.Equal(t, tt.canonical, CanonicalName(tt.in), tt.in)
	}
}
