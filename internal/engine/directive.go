package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// DirectiveBrain is the built-in automation backend. Input lines of the form
//
//	/tool_name {"json":"args"}
//
// become tool calls; consecutive directive lines form one tool_calls intent.
// Any other text is streamed back as tokens. After each batch of calls the
// outcomes are summarised as a token, and the task ends when the input is
// used up.
type DirectiveBrain struct{}

type directiveState struct {
	Cursor int `json:"cursor"`
}

type directiveStep struct {
	text  string
	calls []ToolCall
}

func (DirectiveBrain) Next(_ context.Context, turn *Turn) (Intent, error) {
	if len(turn.Observations) > 0 {
		return Intent{Kind: IntentToken, Text: summarize(turn.Observations), State: turn.State}, nil
	}
	var st directiveState
	if len(turn.State) > 0 {
		if err := json.Unmarshal(turn.State, &st); err != nil {
			return Intent{}, fmt.Errorf("directive state: %w", err)
		}
	}
	steps, err := parseDirectives(turn.Input)
	if err != nil {
		return Intent{}, err
	}
	if st.Cursor >= len(steps) {
		return Intent{Kind: IntentEnd}, nil
	}
	step := steps[st.Cursor]
	st.Cursor++
	state, _ := json.Marshal(st)
	if step.calls != nil {
		return Intent{Kind: IntentToolCalls, Calls: step.calls, State: state}, nil
	}
	return Intent{Kind: IntentToken, Text: step.text, State: state}, nil
}

func parseDirectives(input string) ([]directiveStep, error) {
	var steps []directiveStep
	var text []string
	flush := func() {
		if len(text) > 0 {
			steps = append(steps, directiveStep{text: strings.Join(text, "\n")})
			text = nil
		}
	}
	for n, line := range strings.Split(input, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "/") || len(trimmed) < 2 {
			if trimmed != "" {
				text = append(text, line)
			}
			continue
		}
		flush()
		call, err := parseDirective(trimmed[1:])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		if last := len(steps) - 1; last >= 0 && steps[last].calls != nil {
			steps[last].calls = append(steps[last].calls, call)
			continue
		}
		steps = append(steps, directiveStep{calls: []ToolCall{call}})
	}
	flush()
	return steps, nil
}

func parseDirective(s string) (ToolCall, error) {
	name, rest, _ := strings.Cut(s, " ")
	rest = strings.TrimSpace(rest)
	call := ToolCall{Name: name}
	if rest == "" {
		call.Args = json.RawMessage(`{}`)
		return call, nil
	}
	if !json.Valid([]byte(rest)) {
		return ToolCall{}, fmt.Errorf("/%s: arguments are not valid JSON", name)
	}
	call.Args = json.RawMessage(rest)
	return call, nil
}

func summarize(obs []Observation) string {
	var b strings.Builder
	for i, o := range obs {
		if i > 0 {
			b.WriteByte('\n')
		}
		if o.Error != nil {
			fmt.Fprintf(&b, "%s failed (%s): %s", o.Tool, o.Error.Kind, o.Error.Message)
			continue
		}
		fmt.Fprintf(&b, "%s -> %s", o.Tool, compact(o.Result))
	}
	return b.String()
}

const maxSummaryChars = 500

func compact(raw json.RawMessage) string {
	s := strings.Join(strings.Fields(string(raw)), " ")
	if s == "" {
		s = "null"
	}
	if r := []rune(s); len(r) > maxSummaryChars {
		s = string(r[:maxSummaryChars]) + "..."
	}
	return s
}
