package step

import (
	"fmt"
	"strconv"
	"strings"
)

// EvalCondition evaluates a condition against env.
//
// Grammar:
//
//	cond   := and ("||" and)*
//	and    := atom ("&&" atom)*
//	atom   := "true" | "false" | "exists:" path | path ".contains:" text
//	        | path "==" value | path "!=" value | path
//
// An empty condition is true. A bare path is true when its value is truthy.
// Missing paths compare unequal and contain nothing.
func EvalCondition(cond string, env Env) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true, nil
	}
	var clauses [][]string
	for _, disj := range strings.Split(cond, "||") {
		var atoms []string
		for _, conj := range strings.Split(disj, "&&") {
			atom := strings.TrimSpace(conj)
			if atom == "" {
				return false, fmt.Errorf("empty clause in condition %q", cond)
			}
			atoms = append(atoms, atom)
		}
		clauses = append(clauses, atoms)
	}
	for _, atoms := range clauses {
		all := true
		for _, atom := range atoms {
			ok, err := evalAtom(atom, env)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

func evalAtom(atom string, env Env) (bool, error) {
	switch {
	case atom == "true":
		return true, nil
	case atom == "false":
		return false, nil
	case strings.HasPrefix(atom, "exists:"):
		_, ok := lookup(env, strings.TrimSpace(strings.TrimPrefix(atom, "exists:")))
		return ok, nil
	}

	if path, text, ok := strings.Cut(atom, ".contains:"); ok {
		v, found := lookup(env, strings.TrimSpace(path))
		return found && strings.Contains(fmt.Sprint(v), unquote(text)), nil
	}
	if path, want, ok := strings.Cut(atom, "!="); ok {
		v, found := lookup(env, strings.TrimSpace(path))
		return !found || fmt.Sprint(v) != unquote(want), nil
	}
	if path, want, ok := strings.Cut(atom, "=="); ok {
		v, found := lookup(env, strings.TrimSpace(path))
		return found && fmt.Sprint(v) == unquote(want), nil
	}
	if strings.ContainsAny(atom, " =!<>") {
		return false, fmt.Errorf("invalid condition clause %q", atom)
	}
	v, found := lookup(env, atom)
	return found && truthy(v), nil
}

func lookup(env Env, path string) (any, bool) {
	if env == nil || path == "" {
		return nil, false
	}
	return env.Lookup(path)
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		if err == nil {
			return b
		}
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	}
	return true
}

// Resolve walks parts through nested maps and slices.
func Resolve(root any, parts []string) (any, bool) {
	cur := root
	for _, p := range parts {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[p]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[p]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		case []string:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// StaticEnv is an Env over a fixed value tree.
type StaticEnv struct {
	Conversation string
	Values       map[string]any
}

func (e StaticEnv) ConversationID() string { return e.Conversation }

func (e StaticEnv) Lookup(path string) (any, bool) {
	return Resolve(e.Values, strings.Split(path, "."))
}
