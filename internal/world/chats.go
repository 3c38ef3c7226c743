package world

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agora/internal/agents"
	"github.com/haasonsaas/agora/internal/events"
	"github.com/haasonsaas/agora/pkg/models"
)

// titleMaxWords caps generated chat titles.
const titleMaxWords = 6

// CreateChat creates a chat and makes it current. When the reuse
// optimization is on and the world's newest chat is still a pristine
// "New Chat" younger than the reusable age, that chat is reused instead of
// creating another one.
func (m *Manager) CreateChat(ctx context.Context, rt *Runtime, name string) (*models.Chat, error) {
	worldID := rt.World().ID
	if name == "" {
		name = m.cfg.NewChat.ReusableTitle
	}

	if m.cfg.NewChat.EnableOptimization {
		if reusable, err := m.findReusableChat(ctx, worldID); err == nil && reusable != nil {
			rt.SetCurrentChat(models.ChatRef(reusable.ID))
			if err := m.cfg.Store.SaveWorld(ctx, snapshot(rt)); err != nil {
				return nil, err
			}
			return reusable, nil
		}
	}

	now := time.Now()
	chat := &models.Chat{
		ID:        uuid.NewString(),
		WorldID:   worldID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.cfg.Store.SaveChatData(ctx, chat); err != nil {
		return nil, err
	}
	rt.SetCurrentChat(models.ChatRef(chat.ID))
	if err := m.cfg.Store.SaveWorld(ctx, snapshot(rt)); err != nil {
		return nil, err
	}
	m.emitCRUD(ctx, rt, "create", "chat", chat.ID, chat)
	return chat, nil
}

// snapshot copies the runtime's world record for persistence.
func snapshot(rt *Runtime) *models.World {
	w := rt.World()
	return &w
}

// findReusableChat returns the world's newest chat when it qualifies for
// reuse, else nil.
func (m *Manager) findReusableChat(ctx context.Context, worldID string) (*models.Chat, error) {
	chats, err := m.cfg.Store.ListChats(ctx, worldID)
	if err != nil {
		return nil, err
	}
	var newest *models.Chat
	for _, chat := range chats {
		if newest == nil || chat.CreatedAt.After(newest.CreatedAt) {
			newest = chat
		}
	}
	if newest == nil {
		return nil, nil
	}
	if newest.Name != m.cfg.NewChat.ReusableTitle ||
		newest.MessageCount != 0 ||
		time.Since(newest.CreatedAt) > m.cfg.NewChat.MaxReusableAge {
		return nil, nil
	}
	return newest, nil
}

// SwitchChat moves the current-chat pointer to an existing chat.
func (m *Manager) SwitchChat(ctx context.Context, rt *Runtime, chatID string) error {
	if _, err := m.cfg.Store.LoadChatData(ctx, rt.World().ID, chatID); err != nil {
		return err
	}
	rt.SetCurrentChat(models.ChatRef(chatID))
	return m.cfg.Store.SaveWorld(ctx, snapshot(rt))
}

// ListChats lists a world's chats.
func (m *Manager) ListChats(ctx context.Context, rt *Runtime) ([]*models.Chat, error) {
	return m.cfg.Store.ListChats(ctx, rt.World().ID)
}

// DeleteChat removes a chat. If the current-chat pointer referenced it, the
// pointer is cleared; chat-scoped subscriptions are torn down via the
// realtime hook.
func (m *Manager) DeleteChat(ctx context.Context, rt *Runtime, chatID string) error {
	worldID := rt.World().ID
	if err := m.cfg.Store.DeleteChatData(ctx, worldID, chatID); err != nil {
		return err
	}
	if current := rt.CurrentChatID(); current != nil && *current == chatID {
		rt.SetCurrentChat(nil)
		if err := m.cfg.Store.SaveWorld(ctx, snapshot(rt)); err != nil {
			return err
		}
	}
	m.StopChat(rt, models.ChatRef(chatID))
	if m.OnChatDeleted != nil {
		m.OnChatDeleted(worldID, chatID)
	}
	m.emitCRUD(ctx, rt, "delete", "chat", chatID, nil)
	return nil
}

// UpdateChatTitle renames a chat and announces the change on the system
// channel.
func (m *Manager) UpdateChatTitle(ctx context.Context, rt *Runtime, chatID, title string) error {
	chat, err := m.cfg.Store.LoadChatData(ctx, rt.World().ID, chatID)
	if err != nil {
		return err
	}
	chat.Name = title
	chat.UpdatedAt = time.Now()
	if err := m.cfg.Store.UpdateChatData(ctx, chat); err != nil {
		return err
	}
	data, _ := json.Marshal(map[string]string{"chatId": chatID, "title": title})
	rt.Bus.PublishSystem(ctx, models.SystemEvent{
		Kind:   models.SystemKindChatTitleUpdated,
		ChatID: models.ChatRef(chatID),
		Data:   data,
	})
	return nil
}

// maybeGenerateTitle kicks off asynchronous title generation for the
// published human message. Only human messages on a current chat qualify.
func (m *Manager) maybeGenerateTitle(rt *Runtime, published events.Event) {
	if m.cfg.TitleLLM == nil || published.Message == nil {
		return
	}
	current := rt.CurrentChatID()
	if current == nil {
		return
	}
	content := published.Message.Content
	chatID := *current

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		title, err := m.generateTitle(ctx, content)
		if err != nil {
			m.titleLg.Warn(ctx, "title generation failed", "chat", chatID, "error", err)
			return
		}
		if title == "" {
			return
		}
		if err := m.UpdateChatTitle(ctx, rt, chatID, title); err != nil {
			m.titleLg.Warn(ctx, "title update failed", "chat", chatID, "error", err)
		}
	}()
}

// generateTitle asks the chat-LLM for a short summary title.
func (m *Manager) generateTitle(ctx context.Context, firstMessage string) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize the following chat opener as a title of at most %d words. "+
			"Reply with the title only.\n\n%s", titleMaxWords, firstMessage)
	response, err := m.cfg.TitleLLM.Complete(ctx, &agents.CompletionRequest{
		Messages: []models.AgentMessage{{Role: models.RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(response.Content), `"`))
	if words := strings.Fields(title); len(words) > titleMaxWords {
		title = strings.Join(words[:titleMaxWords], " ")
	}
	return title, nil
}
