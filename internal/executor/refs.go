package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ShayCichocki/sentinel/pkg/models"
)

// ErrUnresolvedReference indicates an argument referenced a dependency
// output that does not exist.
var ErrUnresolvedReference = errors.New("unresolved dependency reference")

// ResultLookup returns results of Completed tasks.
type ResultLookup interface {
	Lookup(taskID string) (models.TaskExecutionResult, bool)
}

var (
	wholeRefPattern  = regexp.MustCompile(`^\$\{([^}]+)\}$`)
	inlineRefPattern = regexp.MustCompile(`\$\{([^}]+)\}`)
)

// Resolver substitutes dependency references in task arguments.
//
// Two forms are recognised in string values:
//
//	"$1"                          looked up in the plan's variable mappings
//	"${task_1.outputs.ip_address}" a direct path into a completed result
//
// A value that is exactly one reference is replaced by the raw output value.
// References inside a longer string are interpolated as text.
type Resolver struct {
	mappings map[string]string
	results  ResultLookup
}

// NewResolver creates a resolver over the plan's variable mappings and the
// completed results of the current round.
func NewResolver(mappings map[string]string, results ResultLookup) *Resolver {
	return &Resolver{mappings: mappings, results: results}
}

// ResolveArguments returns a copy of args with every reference substituted.
func (r *Resolver) ResolveArguments(args map[string]any) (map[string]any, error) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	resolved := make(map[string]any, len(args))
	for key, value := range args {
		v, err := r.resolveValue(value)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", key, err)
		}
		resolved[key] = v
	}
	return resolved, nil
}

func (r *Resolver) resolveValue(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(v)
	case map[string]any:
		return r.ResolveArguments(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func (r *Resolver) resolveString(s string) (any, error) {
	if m := wholeRefPattern.FindStringSubmatch(s); m != nil {
		return r.resolvePath(m[1])
	}
	if !strings.Contains(s, "${") {
		if path, ok := r.mappings[s]; ok {
			return r.resolvePath(path)
		}
		// "$5" style literals with no mapping pass through.
		return s, nil
	}

	var firstErr error
	out := inlineRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := inlineRefPattern.FindStringSubmatch(match)[1]
		v, err := r.resolvePath(path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return stringify(v)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// resolvePath resolves "task_id.section.key" where section is outputs or metadata.
func (r *Resolver) resolvePath(path string) (any, error) {
	parts := strings.SplitN(path, ".", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: malformed path %q", ErrUnresolvedReference, path)
	}
	taskID, section, key := parts[0], parts[1], parts[2]

	if r.results == nil {
		return nil, fmt.Errorf("%w: no results available for %q", ErrUnresolvedReference, path)
	}
	result, ok := r.results.Lookup(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: task %s has no completed result", ErrUnresolvedReference, taskID)
	}

	var fields map[string]any
	switch section {
	case "outputs":
		fields = result.Outputs
	case "metadata":
		fields = result.Metadata
	default:
		return nil, fmt.Errorf("%w: unknown section %q in %q", ErrUnresolvedReference, section, path)
	}

	v, ok := fields[key]
	if !ok {
		return nil, fmt.Errorf("%w: task %s has no %s field %q", ErrUnresolvedReference, taskID, section, key)
	}
	return v, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// ReferencedTasks returns the IDs of tasks whose results args refer to,
// through either reference form, in first-seen order.
func ReferencedTasks(args map[string]any, mappings map[string]string) []string {
	var ids []string
	seen := make(map[string]bool)
	add := func(path string) {
		id, _, _ := strings.Cut(path, ".")
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if path, ok := mappings[t]; ok {
				add(path)
				return
			}
			for _, m := range inlineRefPattern.FindAllStringSubmatch(t, -1) {
				add(m[1])
			}
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k])
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(args)
	return ids
}
