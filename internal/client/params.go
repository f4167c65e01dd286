package client

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"labtasker/internal/doc"
)

// Required declares one task argument a job needs. The zero value takes the
// argument at the spec's own key; Alias redirects to another dotted path and
// Resolver transforms the raw value before the job sees it.
type Required struct {
	Alias    string
	Resolver func(v any) (any, error)
}

// ParamSpecs maps job parameter names to their requirements. The dotted
// paths referenced by the specs double as the loop's required-fields
// template, so the server only dispatches tasks this job can run.
type ParamSpecs map[string]Required

// paths returns the dotted argument paths the specs demand, sorted.
func (p ParamSpecs) paths() []string {
	out := make([]string, 0, len(p))
	for name, spec := range p {
		path := spec.Alias
		if path == "" {
			path = name
		}
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// template lowers the specs to the required-fields form sent on fetch.
func (p ParamSpecs) template() doc.Doc {
	if len(p) == 0 {
		return nil
	}
	return doc.KeysToTemplate(p.paths())
}

// resolve extracts and transforms the declared parameters from task args.
func (p ParamSpecs) resolve(args doc.Doc) (map[string]any, error) {
	out := make(map[string]any, len(p))
	for name, spec := range p {
		path := spec.Alias
		if path == "" {
			path = name
		}
		v, ok := doc.GetPath(args, path)
		if !ok {
			return nil, fmt.Errorf("task args missing required field %q", path)
		}
		if spec.Resolver != nil {
			resolved, err := spec.Resolver(v)
			if err != nil {
				return nil, fmt.Errorf("resolve parameter %q: %w", name, err)
			}
			v = resolved
		}
		out[name] = v
	}
	return out, nil
}

// placeholderPattern matches {{ dotted.path }} command placeholders.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][\w.]*)\s*\}\}`)

// InterpolateCmd substitutes {{ path }} placeholders in a command with
// values from the task args and returns the referenced paths. Scalars are
// rendered plainly; lists and objects are rendered as JSON. Null is an
// error, since it almost always means a template leaf leaked into the args.
func InterpolateCmd(cmd string, args doc.Doc) (string, []string, error) {
	var paths []string
	var firstErr error
	out := placeholderPattern.ReplaceAllStringFunc(cmd, func(m string) string {
		path := placeholderPattern.FindStringSubmatch(m)[1]
		v, ok := doc.GetPath(args, path)
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("cmd references missing field %q", path)
			}
			return m
		}
		s, err := valueString(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("cmd field %q: %w", path, err)
			}
			return m
		}
		paths = append(paths, path)
		return s
	})
	if firstErr != nil {
		return "", nil, firstErr
	}
	return out, paths, nil
}

// InterpolateCmdTokens interpolates each token of a command list.
func InterpolateCmdTokens(tokens []string, args doc.Doc) ([]string, []string, error) {
	out := make([]string, len(tokens))
	var paths []string
	for i, tok := range tokens {
		s, p, err := InterpolateCmd(tok, args)
		if err != nil {
			return nil, nil, err
		}
		out[i] = s
		paths = append(paths, p...)
	}
	return out, paths, nil
}

func valueString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case nil:
		return "", fmt.Errorf("value is null")
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("serialize value: %w", err)
		}
		return string(b), nil
	}
}

// cmdString renders a task's cmd field for interpolation and echoing.
func cmdString(cmd any) (string, bool) {
	switch c := cmd.(type) {
	case string:
		return c, true
	case []any:
		parts := make([]string, 0, len(c))
		for _, tok := range c {
			s, ok := tok.(string)
			if !ok {
				return "", false
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, " "), true
	}
	return "", false
}
