package guardrails

import (
	"context"

	"github.com/jllopis/minions/pkg/agent"
)

// Input guards every answer of next. A nil or empty g returns next unchanged.
func Input(next agent.InputProvider, g *Guardrails) agent.InputProvider {
	if g.Empty() || next == nil {
		return next
	}
	return agent.InputFunc(func(ctx context.Context, conversationID, question, inputType string) (string, error) {
		answer, err := next.Ask(ctx, conversationID, question, inputType)
		if err != nil {
			return "", err
		}
		clean, err := g.Guard(ctx, answer)
		if err != nil {
			return "", err
		}
		return clean, nil
	})
}
