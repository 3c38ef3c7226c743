package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/agora/pkg/models"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS worlds (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	turn_limit      INTEGER NOT NULL DEFAULT 0,
	current_chat_id TEXT,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	world_id       TEXT NOT NULL,
	id             TEXT NOT NULL,
	name           TEXT NOT NULL,
	type           TEXT NOT NULL DEFAULT '',
	provider       TEXT NOT NULL DEFAULT '',
	model          TEXT NOT NULL DEFAULT '',
	system_prompt  TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT '',
	llm_call_count INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL,
	last_active    TIMESTAMP NOT NULL,
	PRIMARY KEY (world_id, id)
);

CREATE TABLE IF NOT EXISTS agent_memory (
	world_id   TEXT NOT NULL,
	agent_id   TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	entry      TEXT NOT NULL,
	chat_id    TEXT,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (world_id, agent_id, seq)
);

CREATE TABLE IF NOT EXISTS chats (
	world_id      TEXT NOT NULL,
	id            TEXT NOT NULL,
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (world_id, id)
);

CREATE TABLE IF NOT EXISTS events (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL,
	world_id  TEXT NOT NULL,
	chat_id   TEXT,
	type      TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	payload   TEXT NOT NULL,
	meta      TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_world_chat ON events (world_id, chat_id, seq);
`

// SQLStore persists worlds in a SQL database using the pure-Go sqlite
// driver. Memory entries and event payloads are stored as JSON text.
type SQLStore struct {
	db     *sql.DB
	events *sqlEventStore
}

// NewSQLStore opens (or creates) a sqlite database at dsn and applies the
// schema.
func NewSQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ioErr("db", dsn, err)
	}
	// sqlite allows one writer at a time.
	db.SetMaxOpenConns(1)
	store, err := NewSQLStoreWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStoreWithDB wraps an existing database handle and applies the
// schema. Used by tests to inject mock connections.
func NewSQLStoreWithDB(db *sql.DB) (*SQLStore, error) {
	if _, err := db.Exec(sqlSchema); err != nil {
		return nil, ioErr("db", "schema", err)
	}
	s := &SQLStore{db: db}
	s.events = &sqlEventStore{db: db}
	return s, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func nullableChat(chatID *string) sql.NullString {
	if chatID == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *chatID, Valid: true}
}

func chatFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	id := ns.String
	return &id
}

func (s *SQLStore) SaveWorld(ctx context.Context, world *models.World) error {
	if world.ID == "" {
		world.ID = uuid.NewString()
	}
	if world.CreatedAt.IsZero() {
		world.CreatedAt = time.Now()
	}
	world.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worlds (id, name, description, turn_limit, current_chat_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			turn_limit = excluded.turn_limit,
			current_chat_id = excluded.current_chat_id,
			updated_at = excluded.updated_at`,
		world.ID, world.Name, world.Description, world.TurnLimit,
		nullableChat(world.CurrentChatID), world.CreatedAt, world.UpdatedAt)
	if err != nil {
		return ioErr("world", world.ID, err)
	}
	return nil
}

func (s *SQLStore) LoadWorld(ctx context.Context, id string) (*models.World, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, turn_limit, current_chat_id, created_at, updated_at
		FROM worlds WHERE id = ?`, id)
	var world models.World
	var current sql.NullString
	err := row.Scan(&world.ID, &world.Name, &world.Description, &world.TurnLimit,
		&current, &world.CreatedAt, &world.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("world", id)
	}
	if err != nil {
		return nil, ioErr("world", id, err)
	}
	world.CurrentChatID = chatFromNull(current)
	return &world, nil
}

func (s *SQLStore) DeleteWorld(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM worlds WHERE id = ?`, id)
	if err != nil {
		return ioErr("world", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("world", id)
	}
	for _, q := range []string{
		`DELETE FROM agents WHERE world_id = ?`,
		`DELETE FROM agent_memory WHERE world_id = ?`,
		`DELETE FROM chats WHERE world_id = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, q, id); err != nil {
			return ioErr("world", id, err)
		}
	}
	return nil
}

func (s *SQLStore) ListWorlds(ctx context.Context) ([]*models.World, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, turn_limit, current_chat_id, created_at, updated_at
		FROM worlds ORDER BY id`)
	if err != nil {
		return nil, ioErr("world", "", err)
	}
	defer rows.Close()
	var out []*models.World
	for rows.Next() {
		var world models.World
		var current sql.NullString
		if err := rows.Scan(&world.ID, &world.Name, &world.Description, &world.TurnLimit,
			&current, &world.CreatedAt, &world.UpdatedAt); err != nil {
			return nil, ioErr("world", "", err)
		}
		world.CurrentChatID = chatFromNull(current)
		out = append(out, &world)
	}
	return out, rows.Err()
}

func (s *SQLStore) WorldExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM worlds WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, ioErr("world", id, err)
	}
	return true, nil
}

func (s *SQLStore) SaveAgent(ctx context.Context, worldID string, agent *models.Agent) error {
	exists, err := s.WorldExists(ctx, worldID)
	if err != nil {
		return err
	}
	if !exists {
		return notFound("world", worldID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (world_id, id, name, type, provider, model, system_prompt, status, llm_call_count, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (world_id, id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			provider = excluded.provider,
			model = excluded.model,
			system_prompt = excluded.system_prompt,
			status = excluded.status,
			llm_call_count = excluded.llm_call_count,
			last_active = excluded.last_active`,
		worldID, agent.ID, agent.Name, agent.Type, agent.Provider, agent.Model,
		agent.SystemPrompt, string(agent.Status), agent.LLMCallCount,
		agent.CreatedAt, agent.LastActive)
	if err != nil {
		return ioErr("agent", agent.ID, err)
	}
	if agent.Memory != nil {
		return s.SaveAgentMemory(ctx, worldID, agent.ID, agent.Memory)
	}
	return nil
}

func (s *SQLStore) LoadAgent(ctx context.Context, worldID, agentID string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, provider, model, system_prompt, status, llm_call_count, created_at, last_active
		FROM agents WHERE world_id = ? AND id = ?`, worldID, agentID)
	var agent models.Agent
	var status string
	err := row.Scan(&agent.ID, &agent.Name, &agent.Type, &agent.Provider, &agent.Model,
		&agent.SystemPrompt, &status, &agent.LLMCallCount, &agent.CreatedAt, &agent.LastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("agent", agentID)
	}
	if err != nil {
		return nil, ioErr("agent", agentID, err)
	}
	agent.Status = models.AgentStatus(status)

	memory, err := s.loadMemory(ctx, worldID, agentID)
	if err != nil {
		return nil, err
	}
	agent.Memory = memory
	return &agent, nil
}

func (s *SQLStore) loadMemory(ctx context.Context, worldID, agentID string) ([]models.AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry FROM agent_memory
		WHERE world_id = ? AND agent_id = ? ORDER BY seq`, worldID, agentID)
	if err != nil {
		return nil, ioErr("agent", agentID, err)
	}
	defer rows.Close()
	var out []models.AgentMessage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, ioErr("agent", agentID, err)
		}
		var msg models.AgentMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, corrupted("agent", agentID, err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLStore) LoadAgentWithRetry(ctx context.Context, worldID, agentID string) (*models.Agent, int, error) {
	var lastErr error
	for attempt := 0; attempt < loadRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(loadRetryDelay << attempt):
			}
		}
		agent, err := s.LoadAgent(ctx, worldID, agentID)
		if err == nil {
			return agent, 0, nil
		}
		if !errors.Is(err, ErrIO) {
			return nil, 0, err
		}
		lastErr = err
	}
	return nil, 0, lastErr
}

func (s *SQLStore) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE world_id = ? AND id = ?`, worldID, agentID)
	if err != nil {
		return ioErr("agent", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("agent", agentID)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_memory WHERE world_id = ? AND agent_id = ?`, worldID, agentID); err != nil {
		return ioErr("agent", agentID, err)
	}
	return nil
}

func (s *SQLStore) ListAgents(ctx context.Context, worldID string) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM agents WHERE world_id = ? ORDER BY id`, worldID)
	if err != nil {
		return nil, ioErr("world", worldID, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, ioErr("world", worldID, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, ioErr("world", worldID, err)
	}
	rows.Close()

	out := make([]*models.Agent, 0, len(ids))
	for _, id := range ids {
		agent, err := s.LoadAgent(ctx, worldID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, nil
}

func (s *SQLStore) AgentExists(ctx context.Context, worldID, agentID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE world_id = ? AND id = ?`, worldID, agentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, ioErr("agent", agentID, err)
	}
	return true, nil
}

func (s *SQLStore) SaveAgentMemory(ctx context.Context, worldID, agentID string, memory []models.AgentMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr("agent", agentID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_memory WHERE world_id = ? AND agent_id = ?`, worldID, agentID); err != nil {
		return ioErr("agent", agentID, err)
	}
	for i, msg := range memory {
		raw, err := json.Marshal(msg)
		if err != nil {
			return corrupted("agent", agentID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_memory (world_id, agent_id, seq, entry, chat_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			worldID, agentID, i, string(raw), nullableChat(msg.ChatID), msg.CreatedAt); err != nil {
			return ioErr("agent", agentID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ioErr("agent", agentID, err)
	}
	return nil
}

func (s *SQLStore) GetMemory(ctx context.Context, worldID string, chatID *string) ([]models.AgentMessage, error) {
	var rows *sql.Rows
	var err error
	if chatID == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT entry FROM agent_memory
			WHERE world_id = ? AND chat_id IS NULL ORDER BY created_at, seq`, worldID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT entry FROM agent_memory
			WHERE world_id = ? AND chat_id = ? ORDER BY created_at, seq`, worldID, *chatID)
	}
	if err != nil {
		return nil, ioErr("world", worldID, err)
	}
	defer rows.Close()
	var out []models.AgentMessage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, ioErr("world", worldID, err)
		}
		var msg models.AgentMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, corrupted("world", worldID, err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveChatData(ctx context.Context, chat *models.Chat) error {
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}
	chat.UpdatedAt = chat.CreatedAt
	exists, err := s.chatExists(ctx, chat.WorldID, chat.ID)
	if err != nil {
		return err
	}
	if exists {
		return conflict("chat", chat.ID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chats (world_id, id, name, description, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chat.WorldID, chat.ID, chat.Name, chat.Description, chat.MessageCount,
		chat.CreatedAt, chat.UpdatedAt)
	if err != nil {
		return ioErr("chat", chat.ID, err)
	}
	return nil
}

func (s *SQLStore) chatExists(ctx context.Context, worldID, chatID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM chats WHERE world_id = ? AND id = ?`, worldID, chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, ioErr("chat", chatID, err)
	}
	return true, nil
}

func (s *SQLStore) LoadChatData(ctx context.Context, worldID, chatID string) (*models.Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT world_id, id, name, description, message_count, created_at, updated_at
		FROM chats WHERE world_id = ? AND id = ?`, worldID, chatID)
	var chat models.Chat
	err := row.Scan(&chat.WorldID, &chat.ID, &chat.Name, &chat.Description,
		&chat.MessageCount, &chat.CreatedAt, &chat.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("chat", chatID)
	}
	if err != nil {
		return nil, ioErr("chat", chatID, err)
	}
	return &chat, nil
}

func (s *SQLStore) ListChats(ctx context.Context, worldID string) ([]*models.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT world_id, id, name, description, message_count, created_at, updated_at
		FROM chats WHERE world_id = ? ORDER BY created_at`, worldID)
	if err != nil {
		return nil, ioErr("world", worldID, err)
	}
	defer rows.Close()
	var out []*models.Chat
	for rows.Next() {
		var chat models.Chat
		if err := rows.Scan(&chat.WorldID, &chat.ID, &chat.Name, &chat.Description,
			&chat.MessageCount, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
			return nil, ioErr("world", worldID, err)
		}
		out = append(out, &chat)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateChatData(ctx context.Context, chat *models.Chat) error {
	chat.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE chats SET name = ?, description = ?, message_count = ?, updated_at = ?
		WHERE world_id = ? AND id = ?`,
		chat.Name, chat.Description, chat.MessageCount, chat.UpdatedAt,
		chat.WorldID, chat.ID)
	if err != nil {
		return ioErr("chat", chat.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("chat", chat.ID)
	}
	return nil
}

func (s *SQLStore) DeleteChatData(ctx context.Context, worldID, chatID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE world_id = ? AND id = ?`, worldID, chatID)
	if err != nil {
		return ioErr("chat", chatID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("chat", chatID)
	}
	return nil
}

func (s *SQLStore) Events() EventStore {
	return s.events
}

// sqlEventStore appends events to the events table in insertion order.
type sqlEventStore struct {
	db *sql.DB
}

func (es *sqlEventStore) AppendEvent(ctx context.Context, event *models.StoredEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	var meta any
	if event.Meta != nil {
		raw, err := json.Marshal(event.Meta)
		if err != nil {
			return corrupted("event", event.ID, err)
		}
		meta = string(raw)
	}
	_, err := es.db.ExecContext(ctx, `
		INSERT INTO events (id, world_id, chat_id, type, timestamp, payload, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.WorldID, nullableChat(event.ChatID), string(event.Type),
		event.Timestamp, string(event.Payload), meta)
	if err != nil {
		return ioErr("event", event.ID, err)
	}
	return nil
}

func (es *sqlEventStore) DeleteMessageEvent(ctx context.Context, worldID string, chatID *string, messageID string) error {
	events, err := es.GetEventsByWorldAndChat(ctx, worldID, chatID)
	if err != nil {
		return err
	}
	for _, event := range events {
		if !messageEventMatches(event, messageID) {
			continue
		}
		res, err := es.db.ExecContext(ctx, `DELETE FROM events WHERE id = ? AND world_id = ?`, event.ID, worldID)
		if err != nil {
			return ioErr("event", event.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("message", messageID)
		}
		return nil
	}
	return notFound("message", messageID)
}

func (es *sqlEventStore) GetEventsByWorldAndChat(ctx context.Context, worldID string, chatID *string) ([]*models.StoredEvent, error) {
	var rows *sql.Rows
	var err error
	if chatID == nil {
		rows, err = es.db.QueryContext(ctx, `
			SELECT id, world_id, chat_id, type, timestamp, payload, meta
			FROM events WHERE world_id = ? AND chat_id IS NULL ORDER BY seq`, worldID)
	} else {
		rows, err = es.db.QueryContext(ctx, `
			SELECT id, world_id, chat_id, type, timestamp, payload, meta
			FROM events WHERE world_id = ? AND chat_id = ? ORDER BY seq`, worldID, *chatID)
	}
	if err != nil {
		return nil, ioErr("event", worldID, err)
	}
	defer rows.Close()
	var out []*models.StoredEvent
	for rows.Next() {
		var event models.StoredEvent
		var chat sql.NullString
		var typ, payload string
		var meta sql.NullString
		if err := rows.Scan(&event.ID, &event.WorldID, &chat, &typ, &event.Timestamp, &payload, &meta); err != nil {
			return nil, ioErr("event", worldID, err)
		}
		event.ChatID = chatFromNull(chat)
		event.Type = models.EventChannel(typ)
		event.Payload = json.RawMessage(payload)
		if meta.Valid {
			var m models.EventMeta
			if err := json.Unmarshal([]byte(meta.String), &m); err != nil {
				return nil, corrupted("event", event.ID, err)
			}
			event.Meta = &m
		}
		out = append(out, &event)
	}
	return out, rows.Err()
}
