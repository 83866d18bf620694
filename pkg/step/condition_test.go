package step

import "testing"

func TestEvalCondition(t *testing.T) {
	env := StaticEnv{Values: map[string]any{
		"last": "alpha-beta",
		"output": map[string]any{
			"node1": map[string]any{
				"status": "ok",
				"meta":   map[string]any{"region": "EMEA"},
			},
		},
		"scratch":  map[string]any{"done": true, "count": 0},
		"metadata": map[string]string{"tier": "gold"},
	}}

	cases := []struct {
		cond string
		want bool
	}{
		{"", true},
		{"true", true},
		{"false", false},
		{"last.contains:beta", true},
		{"last.contains:gamma", false},
		{"output.node1.status==ok", true},
		{"output.node1.status!=ok", false},
		{"output.node1.meta.region==EMEA", true},
		{"output.node1.meta.region == 'EMEA'", true},
		{"output.node1.status.contains:ok", true},
		{"output.missing.status==ok", false},
		{"output.missing.status!=ok", true},
		{"exists:metadata.tier", true},
		{"exists:metadata.plan", false},
		{"scratch.done", true},
		{"scratch.count", false},
		{"metadata.tier==gold && last.contains:alpha", true},
		{"metadata.tier==silver && last.contains:alpha", false},
		{"metadata.tier==silver || last.contains:alpha", true},
		{"false || scratch.done && metadata.tier==gold", true},
	}
	for _, tc := range cases {
		got, err := EvalCondition(tc.cond, env)
		if err != nil {
			t.Fatalf("condition %q error: %v", tc.cond, err)
		}
		if got != tc.want {
			t.Fatalf("condition %q expected %v, got %v", tc.cond, tc.want, got)
		}
	}
}

func TestEvalConditionErrors(t *testing.T) {
	for _, cond := range []string{"a &&", "a < b"} {
		if _, err := EvalCondition(cond, StaticEnv{}); err == nil {
			t.Errorf("expected error for %q", cond)
		}
	}
}
