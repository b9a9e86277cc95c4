package task

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// NoParams is the parameter set id used when a task has no ranking parameters.
const NoParams = "no_params"

const paramSeparator = "__"

// ParameterSet is one concrete assignment from a parameter sweep.
type ParameterSet map[string]string

// ID encodes the set as sorted name=value pairs joined by "__". The result
// does not depend on map iteration order.
func (p ParameterSet) ID() string {
	if len(p) == 0 {
		return NoParams
	}
	names := p.Names()
	pairs := make([]string, len(names))
	for i, name := range names {
		pairs[i] = name + "=" + p[name]
	}
	return strings.Join(pairs, paramSeparator)
}

// Names returns the parameter names in sorted order.
func (p ParameterSet) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseParameterSetID decodes an id produced by ParameterSet.ID.
func ParseParameterSetID(id string) ParameterSet {
	p := ParameterSet{}
	if id == NoParams || id == "" {
		return p
	}
	for _, pair := range strings.Split(id, paramSeparator) {
		name, value, ok := strings.Cut(pair, "=")
		if ok {
			p[name] = value
		}
	}
	return p
}

// CheckSegment reports whether s can be used as a single path component
// below the results and assessments roots.
func CheckSegment(s string) error {
	switch s {
	case "":
		return errors.New("must not be empty")
	case ".", "..":
		return fmt.Errorf("%q is not a valid path segment", s)
	}
	for _, r := range s {
		if r == '/' || r == '\\' || r == 0 || unicode.IsControl(r) {
			return fmt.Errorf("%q must not contain path separators or control characters", s)
		}
	}
	return nil
}

// CheckParamToken reports whether a ranking parameter name or value can be
// encoded into a parameter set id without ambiguity.
func CheckParamToken(s string) error {
	for _, r := range s {
		if r == '/' || r == '\\' || r == 0 || unicode.IsControl(r) {
			return fmt.Errorf("%q must not contain path separators or control characters", s)
		}
	}
	if strings.Contains(s, "=") || strings.Contains(s, paramSeparator) || strings.Contains(s, "..") {
		return fmt.Errorf("%q must not contain \"=\", %q or \"..\"", s, paramSeparator)
	}
	return nil
}

// CheckParams verifies that every point of the sweep over params has its
// own parameter set id, usable as a directory name.
func CheckParams(params map[string][]string) error {
	for name, values := range params {
		if name == "" {
			return errors.New("ranking parameter name cannot be empty")
		}
		if err := CheckParamToken(name); err != nil {
			return fmt.Errorf("ranking parameter name: %w", err)
		}
		if len(values) == 0 {
			return fmt.Errorf("ranking parameter %q has no candidate values", name)
		}
		seen := make(map[string]bool, len(values))
		for _, v := range values {
			if err := CheckParamToken(v); err != nil {
				return fmt.Errorf("ranking parameter %q: %w", name, err)
			}
			if seen[v] {
				return fmt.Errorf("ranking parameter %q lists %q twice", name, v)
			}
			seen[v] = true
		}
	}
	return nil
}

// Sweep expands candidate values into the full-factorial list of parameter
// sets, iterating names in sorted order. No parameters yields a single empty
// set; a name with no candidates yields nothing.
func Sweep(params map[string][]string) []ParameterSet {
	if len(params) == 0 {
		return []ParameterSet{{}}
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	sets := []ParameterSet{{}}
	for _, name := range names {
		values := params[name]
		next := make([]ParameterSet, 0, len(sets)*len(values))
		for _, base := range sets {
			for _, v := range values {
				set := make(ParameterSet, len(base)+1)
				for k, bv := range base {
					set[k] = bv
				}
				set[name] = v
				next = append(next, set)
			}
		}
		sets = next
	}
	return sets
}
