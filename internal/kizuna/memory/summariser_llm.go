package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TextGenerator is the slice of a language model the LLM summariser needs.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

const synthesisPrompt = `Analyze the following conversation history and extract EXACTLY three critical pieces of information for long-term memory:
1. The user's stated goal or preference.
2. Key emotional markers or relationship status.
3. Specific facts mentioned (names, locations, promises).

Answer with a single JSON object with the string fields "goal", "emotion" and "facts" ("facts" may also be an array of strings). Do not add any other text.

History:
`

const synthesisSchema = `{
  "type": "object",
  "required": ["goal", "emotion", "facts"],
  "properties": {
    "goal":    {"type": "string"},
    "emotion": {"type": "string"},
    "facts": {
      "oneOf": [
        {"type": "string"},
        {"type": "array", "items": {"type": "string"}}
      ]
    }
  }
}`

var synthesisValidator = jsonschema.MustCompileString("kizuna://synthesis.json", synthesisSchema)

// LLMSummariser asks a language model for a goal/emotion/facts synthesis.
// Output that validates against the synthesis schema is normalised to a
// compact "Goal: ... Emotion: ... Facts: ..." text; anything else is kept
// verbatim so a formatting slip never loses a synthesis.
type LLMSummariser struct {
	gen    TextGenerator
	logger *slog.Logger
}

// NewLLMSummariser creates a Summariser backed by gen. If logger is nil, the
// default slog logger is used.
func NewLLMSummariser(gen TextGenerator, logger *slog.Logger) *LLMSummariser {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMSummariser{gen: gen, logger: logger}
}

// Summarise sends the transcript of turns to the model and returns the
// normalised synthesis.
func (s *LLMSummariser) Summarise(ctx context.Context, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}

	out, err := s.gen.GenerateText(ctx, synthesisPrompt+FormatTranscript(turns))
	if err != nil {
		return "", fmt.Errorf("summariser llm: %w", err)
	}

	text, err := normaliseSynthesis(out)
	if err != nil {
		s.logger.Warn("summariser llm: output is not a valid synthesis object, storing raw text", "err", err)
		return strings.TrimSpace(out), nil
	}
	return text, nil
}

type synthesis struct {
	Goal    string          `json:"goal"`
	Emotion string          `json:"emotion"`
	Facts   json.RawMessage `json:"facts"`
}

// normaliseSynthesis validates raw model output against the synthesis schema
// and renders it as plain text.
func normaliseSynthesis(raw string) (string, error) {
	body := stripCodeFence(raw)

	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if err := synthesisValidator.Validate(doc); err != nil {
		return "", fmt.Errorf("validate: %w", err)
	}

	var syn synthesis
	if err := json.Unmarshal([]byte(body), &syn); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}

	var facts []string
	if err := json.Unmarshal(syn.Facts, &facts); err != nil {
		var one string
		if err := json.Unmarshal(syn.Facts, &one); err != nil {
			return "", fmt.Errorf("decode facts: %w", err)
		}
		facts = []string{one}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", strings.TrimSpace(syn.Goal))
	fmt.Fprintf(&b, "Emotion: %s\n", strings.TrimSpace(syn.Emotion))
	fmt.Fprintf(&b, "Facts: %s", strings.Join(facts, "; "))
	return b.String(), nil
}

// stripCodeFence removes a surrounding ```json fence, which models add even
// when told not to.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Compile-time interface satisfaction check.
var _ Summariser = (*LLMSummariser)(nil)
