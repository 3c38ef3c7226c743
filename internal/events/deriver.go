package events

import (
	"sort"
	"strings"

	"github.com/haasonsaas/agora/internal/ident"
	"github.com/haasonsaas/agora/pkg/models"
)

// AgentResolver answers membership questions about a world's agents. The
// deriver holds no agent state of its own.
type AgentResolver interface {
	// ResolveAgentID maps an agent id or display name (case-insensitive)
	// to the canonical agent id.
	ResolveAgentID(name string) (string, bool)

	// AgentIDs lists all agent ids in the world.
	AgentIDs() []string
}

// humanSenders are sender names treated as the human participant.
var humanSenders = map[string]struct{}{
	"human": {},
	"user":  {},
	"you":   {},
}

// ClassifySender determines whether a sender is the human participant, an
// agent of the world, or the system.
func ClassifySender(sender string, resolver AgentResolver) models.SenderType {
	lower := strings.ToLower(strings.TrimSpace(sender))
	if _, ok := humanSenders[lower]; ok {
		return models.SenderHuman
	}
	if resolver != nil {
		if _, ok := resolver.ResolveAgentID(sender); ok {
			return models.SenderAgent
		}
	}
	if lower == "world" {
		return models.SenderWorld
	}
	return models.SenderSystem
}

// DeriveOptions adjusts metadata derivation for special persist paths.
type DeriveOptions struct {
	// MemoryOnly marks entries stored in agent memory but never displayed,
	// such as the verbatim assistant turn behind a pass-through.
	MemoryOnly bool
}

// DeriveMeta computes the persistence metadata for a message event: the
// resolved recipient, the set of agents whose memory stores the message,
// thread flags, and broadcast direction.
func DeriveMeta(msg *models.WorldMessageEvent, resolver AgentResolver, opts DeriveOptions) *models.EventMeta {
	meta := &models.EventMeta{
		IsMemoryOnly:  opts.MemoryOnly,
		HasToolCalls:  len(msg.ToolCalls) > 0,
		ToolCallCount: len(msg.ToolCalls),
	}

	senderType := ClassifySender(msg.Sender, resolver)
	meta.IsHumanMessage = senderType == models.SenderHuman

	// Recipient: the paragraph-begin mention, only when it resolves to an
	// agent of this world.
	if mention := ident.ExtractParagraphBeginMention(msg.Content); mention != "" && resolver != nil {
		if id, ok := resolver.ResolveAgentID(mention); ok {
			meta.RecipientAgentID = id
		}
	}

	senderAgentID := ""
	if senderType == models.SenderAgent && resolver != nil {
		senderAgentID, _ = resolver.ResolveAgentID(msg.Sender)
	}
	meta.IsCrossAgentMessage = senderAgentID != "" &&
		meta.RecipientAgentID != "" &&
		meta.RecipientAgentID != senderAgentID

	// Owners: whose memory stores this message.
	switch {
	case senderType == models.SenderHuman:
		meta.OwnerAgentIDs = allAgents(resolver)
	case senderAgentID != "" && meta.RecipientAgentID != "":
		meta.OwnerAgentIDs = dedupe([]string{senderAgentID, meta.RecipientAgentID})
	case senderAgentID != "":
		meta.OwnerAgentIDs = allAgents(resolver)
	case meta.RecipientAgentID != "":
		meta.OwnerAgentIDs = []string{meta.RecipientAgentID}
	default:
		meta.OwnerAgentIDs = allAgents(resolver)
	}
	meta.DeliveredToAgents = meta.OwnerAgentIDs

	// Thread flags: one level deep by design; replies to replies collapse.
	if msg.ReplyToMessageID != "" {
		meta.IsReply = true
		meta.ThreadDepth = 1
		meta.ThreadRootID = msg.ReplyToMessageID
	} else {
		meta.ThreadRootID = msg.MessageID
	}

	switch {
	case meta.RecipientAgentID == "":
		meta.MessageDirection = models.DirectionBroadcast
	case meta.IsHumanMessage:
		meta.MessageDirection = models.DirectionIncoming
	default:
		meta.MessageDirection = models.DirectionOutgoing
	}

	return meta
}

func allAgents(resolver AgentResolver) []string {
	if resolver == nil {
		return nil
	}
	ids := resolver.AgentIDs()
	sort.Strings(ids)
	return ids
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
