package step

import (
	"fmt"
	"strings"
)

type renderedEdge struct {
	from, to, label string
}

func edges(g *Graph) []renderedEdge {
	var out []renderedEdge
	for _, s := range g.Steps() {
		id := s.StepID()
		labels := map[string]string{}
		if b, ok := asBranch(s); ok {
			if len(b.Then) > 0 {
				labels[b.Then[0].StepID()] = "then"
			}
			if len(b.Else) > 0 {
				labels[b.Else[0].StepID()] = "else"
			}
		}
		for _, next := range g.Successors(id) {
			out = append(out, renderedEdge{from: id, to: next.StepID(), label: labels[next.StepID()]})
		}
	}
	return out
}

// ToMermaid renders g as a Mermaid flowchart.
func ToMermaid(g *Graph) string {
	var sb strings.Builder
	sb.WriteString("flowchart TD\n")
	for _, s := range g.Steps() {
		shape := "[%q]"
		if s.Kind() == KindBranch {
			shape = "{%q}"
		}
		fmt.Fprintf(&sb, "    %s"+shape+"\n", mermaidID(s.StepID()), s.StepID()+" ("+string(s.Kind())+")")
	}
	for _, e := range edges(g) {
		if e.label != "" {
			fmt.Fprintf(&sb, "    %s -->|%s| %s\n", mermaidID(e.from), e.label, mermaidID(e.to))
			continue
		}
		fmt.Fprintf(&sb, "    %s --> %s\n", mermaidID(e.from), mermaidID(e.to))
	}
	return sb.String()
}

func mermaidID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, id)
}

// ToDOT renders g in Graphviz DOT.
func ToDOT(g *Graph) string {
	var sb strings.Builder
	sb.WriteString("digraph steps {\n    rankdir=TB;\n")
	for _, s := range g.Steps() {
		shape := "box"
		if s.Kind() == KindBranch {
			shape = "diamond"
		}
		fmt.Fprintf(&sb, "    %q [label=%q, shape=%s];\n", s.StepID(), s.StepID()+"\n"+string(s.Kind()), shape)
	}
	for _, e := range edges(g) {
		if e.label != "" {
			fmt.Fprintf(&sb, "    %q -> %q [label=%q];\n", e.from, e.to, e.label)
			continue
		}
		fmt.Fprintf(&sb, "    %q -> %q;\n", e.from, e.to)
	}
	sb.WriteString("}\n")
	return sb.String()
}
