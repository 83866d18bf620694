package memory

import (
	"context"
	"errors"

	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/memory/query"
	"github.com/jllopis/minions/pkg/message"
)

// TierHandler routes every operation to the targeted tiers. The manager
// always installs it first.
type TierHandler struct{}

func (TierHandler) Name() string { return "tier" }

func (TierHandler) Accepts(*Context) bool { return true }

func (TierHandler) Process(ctx context.Context, mc *Context) (*Context, error) {
	for _, sub := range mc.Targets() {
		t, ok := mc.Tier(sub)
		if !ok {
			return nil, unknownSubsystem(sub)
		}
		res := Result{Subsystem: sub, Handler: "tier"}
		var err error
		switch mc.Operation {
		case OpStore:
			err = t.StoreAll(ctx, mc.Request.Messages)
		case OpQuery:
			q := mc.Request.Query
			q.Subsystem = sub
			res.Messages, err = t.Query(ctx, q)
		case OpRetrieve:
			for _, id := range mc.Request.IDs {
				msg, rerr := t.Retrieve(ctx, id)
				if errors.Is(rerr, ErrNotFound) {
					continue
				}
				if rerr != nil {
					err = rerr
					break
				}
				res.Messages = append(res.Messages, msg)
			}
		case OpDelete:
			for _, id := range mc.Request.IDs {
				ok, derr := t.DeleteByID(ctx, id)
				if derr != nil {
					err = derr
					break
				}
				if ok {
					res.Deleted++
				}
			}
		case OpFlush:
			err = t.Flush(ctx)
		case OpSnapshot:
			err = t.Snapshot(ctx, mc.Request.ConversationID)
		case OpRestore:
			err = t.RestoreLatestSnapshot(ctx, mc.Request.ConversationID)
		}
		if err != nil {
			return nil, err
		}
		mc.Results = append(mc.Results, res)
	}
	return mc, nil
}

// MirrorHandler copies every message stored into From into To as well,
// e.g. short-term writes mirrored into the vector tier.
type MirrorHandler struct {
	From Subsystem
	To   Subsystem
}

func (h MirrorHandler) Name() string { return "mirror:" + string(h.From) + "->" + string(h.To) }

func (h MirrorHandler) Validate(tiers map[Subsystem]Memory) error {
	for _, sub := range []Subsystem{h.From, h.To} {
		if _, ok := tiers[sub]; !ok {
			return minerr.Newf(minerr.CodeConfiguration, "mirror handler refers to unregistered subsystem %s", sub)
		}
	}
	return nil
}

func (h MirrorHandler) Accepts(mc *Context) bool {
	return mc.Operation == OpStore && len(mc.Request.Targets) > 0 &&
		mc.Targeting(h.From) && !mc.Targeting(h.To)
}

func (h MirrorHandler) Process(ctx context.Context, mc *Context) (*Context, error) {
	t, _ := mc.Tier(h.To)
	if err := t.StoreAll(ctx, mc.Request.Messages); err != nil {
		return nil, err
	}
	mc.Results = append(mc.Results, Result{Subsystem: h.To, Handler: h.Name()})
	return mc, nil
}

// PromoteOnFlush moves the messages of the flushing conversation from From
// into To, e.g. consolidating short-term memory into long-term memory at the
// end of a run. Flushes that name no conversation promote nothing.
type PromoteOnFlush struct {
	From Subsystem
	To   Subsystem
}

func (h PromoteOnFlush) Name() string { return "promote:" + string(h.From) + "->" + string(h.To) }

func (h PromoteOnFlush) Validate(tiers map[Subsystem]Memory) error {
	return MirrorHandler(h).Validate(tiers)
}

func (h PromoteOnFlush) Accepts(mc *Context) bool {
	return mc.Operation == OpFlush && mc.Request.ConversationID != "" && mc.Targeting(h.From)
}

func (h PromoteOnFlush) Process(ctx context.Context, mc *Context) (*Context, error) {
	from, _ := mc.Tier(h.From)
	to, _ := mc.Tier(h.To)
	msgs, err := from.Query(ctx, Query{
		Subsystem: h.From,
		Expr:      query.Eq(message.FieldConversationID, mc.Request.ConversationID),
	})
	if err != nil {
		return nil, err
	}
	if err := to.StoreAll(ctx, msgs); err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if _, err := from.DeleteByID(ctx, m.ID); err != nil {
			return nil, err
		}
	}
	mc.Results = append(mc.Results, Result{Subsystem: h.To, Handler: h.Name(), Messages: msgs})
	return mc, nil
}
