package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/agora/internal/realtime"
	"github.com/haasonsaas/agora/internal/world"
	"github.com/haasonsaas/agora/pkg/models"
)

type subscribeParams struct {
	SubscriptionID string  `json:"subscriptionId"`
	WorldID        string  `json:"worldId"`
	ChatID         *string `json:"chatId"`
}

type unsubscribeParams struct {
	SubscriptionID string `json:"subscriptionId"`
}

type sendMessageParams struct {
	WorldID string  `json:"worldId"`
	ChatID  *string `json:"chatId"`
	Content string  `json:"content"`
	Sender  string  `json:"sender"`
}

type chatScopeParams struct {
	WorldID string  `json:"worldId"`
	ChatID  *string `json:"chatId"`
}

type deleteMessageParams struct {
	WorldID   string  `json:"worldId"`
	ChatID    *string `json:"chatId"`
	MessageID string  `json:"messageId"`
}

type optionResponseParams struct {
	WorldID   string  `json:"worldId"`
	RequestID string  `json:"requestId"`
	OptionID  string  `json:"optionId"`
	ChatID    *string `json:"chatId,omitempty"`
}

type toolResultParams struct {
	WorldID    string  `json:"worldId"`
	ToolCallID string  `json:"toolCallId"`
	Decision   string  `json:"decision"`
	Scope      string  `json:"scope,omitempty"`
	ChatID     *string `json:"chatId,omitempty"`
}

type createWorldParams struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	TurnLimit   int    `json:"turnLimit,omitempty"`
}

type worldScopeParams struct {
	WorldID string `json:"worldId"`
}

type agentParams struct {
	WorldID string       `json:"worldId"`
	Agent   models.Agent `json:"agent"`
}

type deleteAgentParams struct {
	WorldID string `json:"worldId"`
	AgentID string `json:"agentId"`
}

type createChatParams struct {
	WorldID string `json:"worldId"`
	Name    string `json:"name,omitempty"`
}

type chatIDParams struct {
	WorldID string `json:"worldId"`
	ChatID  string `json:"chatId"`
}

type chatTitleParams struct {
	WorldID string `json:"worldId"`
	ChatID  string `json:"chatId"`
	Title   string `json:"title"`
}

func (s *wsSession) handleRequest(frame *requestFrame) error {
	switch frame.Method {
	case "ping":
		return s.respond(frame.RequestID, map[string]any{"pong": true})
	case "subscribeChatEvents":
		return s.handleSubscribe(frame)
	case "unsubscribeChatEvents":
		return s.handleUnsubscribe(frame)
	case "sendChatMessage":
		return s.handleSendMessage(frame)
	case "stopChatMessage":
		return s.handleStopMessage(frame)
	case "deleteMessageFromChat":
		return s.handleDeleteMessage(frame)
	case "submitOptionResponse":
		return s.handleOptionResponse(frame)
	case "submitToolResult":
		return s.handleSubmitToolResult(frame)
	case "createWorld":
		return s.handleCreateWorld(frame)
	case "deleteWorld":
		return s.handleDeleteWorld(frame)
	case "listWorlds":
		return s.handleListWorlds(frame)
	case "createAgent":
		return s.handleCreateAgent(frame)
	case "updateAgent":
		return s.handleUpdateAgent(frame)
	case "deleteAgent":
		return s.handleDeleteAgent(frame)
	case "listAgents":
		return s.handleListAgents(frame)
	case "createChat":
		return s.handleCreateChat(frame)
	case "switchChat":
		return s.handleSwitchChat(frame)
	case "deleteChat":
		return s.handleDeleteChat(frame)
	case "listChats":
		return s.handleListChats(frame)
	case "updateChatTitle":
		return s.handleUpdateChatTitle(frame)
	case "listSkills":
		return s.handleListSkills(frame)
	default:
		return fmt.Errorf("unknown method %q", frame.Method)
	}
}

func decodeParams[T any](frame *requestFrame) (T, error) {
	var params T
	if len(frame.Params) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return params, fmt.Errorf("invalid params: %w", err)
	}
	return params, nil
}

func (s *wsSession) loadWorld(worldID string) (*world.Runtime, error) {
	if strings.TrimSpace(worldID) == "" {
		return nil, fmt.Errorf("worldId is required")
	}
	return s.handler.server.cfg.Manager.LoadWorld(s.ctx, worldID)
}

func (s *wsSession) handleSubscribe(frame *requestFrame) error {
	params, err := decodeParams[subscribeParams](frame)
	if err != nil {
		return err
	}
	result, err := s.realtime.Subscribe(s.ctx, realtime.SubscribeRequest{
		SubscriptionID: params.SubscriptionID,
		WorldID:        params.WorldID,
		ChatID:         params.ChatID,
	})
	if err != nil {
		return err
	}
	return s.respond(frame.RequestID, result)
}

func (s *wsSession) handleUnsubscribe(frame *requestFrame) error {
	params, err := decodeParams[unsubscribeParams](frame)
	if err != nil {
		return err
	}
	if params.SubscriptionID == "" {
		return fmt.Errorf("subscriptionId is required")
	}
	s.realtime.Unsubscribe(params.SubscriptionID)
	return s.respond(frame.RequestID, map[string]any{
		"unsubscribed":   true,
		"subscriptionId": params.SubscriptionID,
	})
}

func (s *wsSession) handleSendMessage(frame *requestFrame) error {
	params, err := decodeParams[sendMessageParams](frame)
	if err != nil {
		return err
	}
	rt, err := s.loadWorld(params.WorldID)
	if err != nil {
		return err
	}
	sender := params.Sender
	if sender == "" {
		sender = "human"
	}
	published, err := s.handler.server.cfg.Manager.SendMessage(s.ctx, rt, params.ChatID, params.Content, sender)
	if err != nil {
		return err
	}
	payload := map[string]any{"accepted": true}
	if published.Message != nil {
		payload["messageId"] = published.Message.MessageID
		payload["chatId"] = published.Message.ChatID
	}
	return s.respond(frame.RequestID, payload)
}

func (s *wsSession) handleStopMessage(frame *requestFrame) error {
	params, err := decodeParams[chatScopeParams](frame)
	if err != nil {
		return err
	}
	rt, err := s.loadWorld(params.WorldID)
	if err != nil {
		return err
	}
	s.handler.server.cfg.Manager.StopChat(rt, params.ChatID)
	return s.respond(frame.RequestID, map[string]any{"stopped": true})
}

func (s *wsSession) handleDeleteMessage(frame *requestFrame) error {
	params, err := decodeParams[deleteMessageParams](frame)
	if err != nil {
		return err
	}
	if params.MessageID == "" {
		return fmt.Errorf("messageId is required")
	}
	rt, err := s.loadWorld(params.WorldID)
	if err != nil {
		return err
	}
	if err := s.handler.server.cfg.Manager.DeleteMessage(s.ctx, rt, params.ChatID, params.MessageID); err != nil {
		return err
	}
	return s.respond(frame.RequestID, map[string]any{"deleted": true, "messageId": params.MessageID})
}

func (s *wsSession) handleOptionResponse(frame *requestFrame) error {
	params, err := decodeParams[optionResponseParams](frame)
	if err != nil {
		return err
	}
	rt, err := s.loadWorld(params.WorldID)
	if err != nil {
		return err
	}
	if err := rt.Coordinator.SubmitOptionResponse(params.RequestID, params.OptionID, params.ChatID); err != nil {
		return s.respond(frame.RequestID, map[string]any{
			"accepted": false,
			"reason":   err.Error(),
		})
	}
	return s.respond(frame.RequestID, map[string]any{"accepted": true})
}

// handleSubmitToolResult resolves a pending tool approval: the decision goes
// onto the world's tool channel, where the agent blocked in its tool loop
// (and any subscribed client) picks it up.
func (s *wsSession) handleSubmitToolResult(frame *requestFrame) error {
	params, err := decodeParams[toolResultParams](frame)
	if err != nil {
		return err
	}
	decision := models.ToolDecision(params.Decision)
	if decision != models.DecisionApprove && decision != models.DecisionDeny {
		return fmt.Errorf("decision must be %q or %q", models.DecisionApprove, models.DecisionDeny)
	}
	scope := models.ApprovalScope(params.Scope)
	if scope == "" {
		scope = models.ScopeOnce
	}
	if scope != models.ScopeOnce && scope != models.ScopeSession {
		return fmt.Errorf("scope must be %q or %q", models.ScopeOnce, models.ScopeSession)
	}
	rt, err := s.loadWorld(params.WorldID)
	if err != nil {
		return err
	}
	rt.Bus.PublishToolResult(s.ctx, models.ToolResultEvent{
		ToolCallID: params.ToolCallID,
		Decision:   decision,
		Scope:      scope,
		ChatID:     params.ChatID,
	})
	return s.respond(frame.RequestID, map[string]any{"accepted": true, "toolCallId": params.ToolCallID})
}

func (s *wsSession) handleCreateWorld(frame *requestFrame) error {
	params, err := decodeParams[createWorldParams](frame)
	if err != nil {
		return err
	}
	rt, err := s.handler.server.cfg.Manager.CreateWorld(s.ctx, params.Name, params.Description, params.TurnLimit)
	if err != nil {
		return err
	}
	return s.respond(frame.RequestID, rt.World())
}

func (s *wsSession) handleDeleteWorld(frame *requestFrame) error {
	params, err := decodeParams[worldScopeParams](frame)
	if err != nil {
		return err
	}
	if err := s.handler.server.cfg.Manager.DeleteWorld(s.ctx, params.WorldID); err != nil {
		return err
	}
	retired := s.realtime.UnsubscribeWorld(params.WorldID)
	s.notifySubscriptionsCanceled(retired, "world-deleted", params.WorldID, nil)
	return s.respond(frame.RequestID, map[string]any{"deleted": true, "worldId": params.WorldID})
}

func (s *wsSession) handleListWorlds(frame *requestFrame) error {
	worlds, err := s.handler.server.cfg.Manager.ListWorlds(s.ctx)
	if err != nil {
		return err
	}
	return s.respond(frame.RequestID, map[string]any{"worlds": worlds})
}

func (s *wsSession) handleCreateAgent(frame *requestFrame) error {
	params, err := decodeParams[agentParams](frame)
	if err != nil {
		return err
	}
	rt, err := s.loadWorld(params.WorldID)
	if err != nil {
		return err
	}
	created, err := s.handler.server.cfg.Manager.CreateAgent(s.ctx, rt, params.Agent)
	if err != nil {
		return err
	}
	return s.respond(frame.RequestID, created)
}

func (s *wsSession) handleUpdateAgent(frame *requestFrame) error {
	params, err := decodeParams[agentParams](frame)
	if err != nil {
		return err
	}
	rt, err := s.loadWorld(params.WorldID)
	if err != nil {
		return err
	}
	if err := s.handler.server.cfg.Manager.UpdateAgent(s.ctx, rt, params.Agent); err != nil {
		return err
	}
	return s.respond(frame.RequestID, map[string]any{"updated": true, "agentId": params.Agent.ID})
}

func (s *wsSession) handleDeleteAgent(frame *requestFrame) error {
	params, err := decodeParams[deleteAgentParams](frame)
	if err != nil {
		return err
	}
	rt, err := s.loadWorld(params.WorldID)
	if err != nil {
		return err
	}
	if err := s.handler.server.cfg.Manager.DeleteAgent(s.ctx, rt, params.AgentID); err != nil {
		return err
	}
	return s.respond(frame.RequestID, map[string]any{"deleted": true, "agentId": params.AgentID})
}

func (s *wsSession) handleListAgents(frame *requestFrame) error {
	params, err := decodeParams[worldScopeParams](frame)
	if err != nil {
		return err
	}
	rt, err := s.loadWorld(params.WorldID)
	if err != nil {
		return err
	}
	runtimeAgents := rt.Registry.All()
	agents := make([]models.Agent, 0, len(runtimeAgents))
	for _, ra := range runtimeAgents {
		agent := ra.Agent
		agent.Memory = nil // memory is internal to the pipeline
		agents = append(agents, agent)
	}
	return s.respond(frame.RequestID, map[string]any{"agents": agents})
}

func (s *wsSession) handleCreateChat(frame *requestFrame) error {
	params, err := decodeParams[createChatParams](frame)
	if err != nil {
		return err
	}
	rt, err := s.loadWorld(params.WorldID)
	if err != nil {
		return err
	}
	chat, err := s.handler.server.cfg.Manager.CreateChat(s.ctx, rt, params.Name)
	if err != nil {
		return err
	}
	return s.respond(frame.RequestID, chat)
}

func (s *wsSession) handleSwitchChat(frame *requestFrame) error {
	params, err := decodeParams[chatIDParams](frame)
	if err != nil {
		return err
	}
	rt, err := s.loadWorld(params.WorldID)
	if err != nil {
		return err
	}
	if err := s.handler.server.cfg.Manager.SwitchChat(s.ctx, rt, params.ChatID); err != nil {
		return err
	}
	if warning := s.realtime.RefreshWorldSubscription(s.ctx, params.WorldID); warning != "" {
		s.handler.logger.Warn(s.ctx, "subscription refresh", "world", params.WorldID, "detail", warning)
	}
	return s.respond(frame.RequestID, map[string]any{"switched": true, "chatId": params.ChatID})
}

func (s *wsSession) handleDeleteChat(frame *requestFrame) error {
	params, err := decodeParams[chatIDParams](frame)
	if err != nil {
		return err
	}
	rt, err := s.loadWorld(params.WorldID)
	if err != nil {
		return err
	}
	if err := s.handler.server.cfg.Manager.DeleteChat(s.ctx, rt, params.ChatID); err != nil {
		return err
	}
	retired := s.realtime.UnsubscribeChat(params.WorldID, params.ChatID)
	s.notifySubscriptionsCanceled(retired, "chat-deleted", params.WorldID, &params.ChatID)
	return s.respond(frame.RequestID, map[string]any{"deleted": true, "chatId": params.ChatID})
}

// notifySubscriptionsCanceled sends a status envelope for each subscription
// retired by a world or chat delete, so the client learns those ids are dead
// before any later subscribe attempt fails on the tombstone.
func (s *wsSession) notifySubscriptionsCanceled(ids []string, reason, worldID string, chatID *string) {
	for _, id := range ids {
		payload, err := json.Marshal(map[string]any{
			"type":    "subscription-canceled",
			"reason":  reason,
			"worldId": worldID,
			"chatId":  chatID,
		})
		if err != nil {
			continue
		}
		s.deliver(s.ctx, realtime.Envelope{
			EventType:      models.ChannelStatus,
			Payload:        payload,
			SubscriptionID: id,
		})
	}
}

func (s *wsSession) handleListChats(frame *requestFrame) error {
	params, err := decodeParams[worldScopeParams](frame)
	if err != nil {
		return err
	}
	rt, err := s.loadWorld(params.WorldID)
	if err != nil {
		return err
	}
	chats, err := s.handler.server.cfg.Manager.ListChats(s.ctx, rt)
	if err != nil {
		return err
	}
	return s.respond(frame.RequestID, map[string]any{
		"chats":         chats,
		"currentChatId": rt.CurrentChatID(),
	})
}

func (s *wsSession) handleUpdateChatTitle(frame *requestFrame) error {
	params, err := decodeParams[chatTitleParams](frame)
	if err != nil {
		return err
	}
	rt, err := s.loadWorld(params.WorldID)
	if err != nil {
		return err
	}
	if err := s.handler.server.cfg.Manager.UpdateChatTitle(s.ctx, rt, params.ChatID, params.Title); err != nil {
		return err
	}
	return s.respond(frame.RequestID, map[string]any{"updated": true, "chatId": params.ChatID})
}

func (s *wsSession) handleListSkills(frame *requestFrame) error {
	registry := s.handler.server.cfg.Skills
	if registry == nil {
		return s.respond(frame.RequestID, map[string]any{"skills": []any{}})
	}
	return s.respond(frame.RequestID, map[string]any{"skills": registry.List()})
}
