package tools

import (
	"fmt"
	"strconv"
	"strings"
)

// maxPorts caps a single port_scan invocation.
const maxPorts = 1024

// stringArg returns the first non-empty string argument among keys.
func stringArg(args map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		switch v := args[k].(type) {
		case string:
			if v != "" {
				return v, true
			}
		case fmt.Stringer:
			return v.String(), true
		}
	}
	return "", false
}

// portsArg accepts a JSON array of numbers or strings, a single number, or a
// string such as "22,80,8000-8010".
func portsArg(value any) ([]int, error) {
	var specs []string
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("no ports given")
	case float64:
		specs = []string{strconv.Itoa(int(v))}
	case int:
		specs = []string{strconv.Itoa(v)}
	case string:
		specs = strings.Split(v, ",")
	case []any:
		for _, item := range v {
			switch p := item.(type) {
			case float64:
				specs = append(specs, strconv.Itoa(int(p)))
			case int:
				specs = append(specs, strconv.Itoa(p))
			case string:
				specs = append(specs, p)
			default:
				return nil, fmt.Errorf("invalid port %v", item)
			}
		}
	default:
		return nil, fmt.Errorf("invalid ports argument of type %T", value)
	}

	seen := make(map[int]bool)
	var ports []int
	add := func(p int) error {
		if p < 1 || p > 65535 {
			return fmt.Errorf("port %d out of range", p)
		}
		if !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
		if len(ports) > maxPorts {
			return fmt.Errorf("too many ports (max %d)", maxPorts)
		}
		return nil
	}

	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(spec, "-"); ok {
			start, err1 := strconv.Atoi(strings.TrimSpace(lo))
			end, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil || start > end {
				return nil, fmt.Errorf("invalid port range %q", spec)
			}
			for p := start; p <= end; p++ {
				if err := add(p); err != nil {
					return nil, err
				}
			}
			continue
		}
		p, err := strconv.Atoi(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", spec)
		}
		if err := add(p); err != nil {
			return nil, err
		}
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no ports given")
	}
	return ports, nil
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
