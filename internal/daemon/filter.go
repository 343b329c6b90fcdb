package daemon

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/logging"
)

// Filter decides which decoded lines are forwarded. An empty expression
// forwards everything.
//
// The expression sees three variables: record (the decoded line), text (the
// raw line) and labels (the source labels of the file).
type Filter struct {
	prog    cel.Program
	enabled bool
}

func NewFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("text", cel.StringType),
		cel.Variable("labels", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return Filter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, fmt.Errorf("parse filter: %w", iss.Err())
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return Filter{}, fmt.Errorf("check filter: %w", iss2.Err())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return Filter{}, err
	}
	return Filter{prog: prog, enabled: true}, nil
}

// celValue turns json.Number into float64 so numeric comparisons work in
// expressions. CEL would otherwise see the number as a string.
func celValue(v any) any {
	switch v := v.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return v.String()
		}
		return f
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = celValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = celValue(item)
		}
		return out
	default:
		return v
	}
}

// Match reports whether the line passes. Evaluation errors and non-boolean
// results reject it.
func (f Filter) Match(record logging.LogRecord, text string, labels map[string]string) bool {
	if !f.enabled {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"record": celValue(map[string]any(record)),
		"text":   text,
		"labels": labels,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
