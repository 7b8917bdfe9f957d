package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// BusMessage is the audit copy of a published bus message.
type BusMessage struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Source         string          `json:"source"`
	Target         string          `json:"target"`
	Priority       string          `json:"priority"`
	Content        json.RawMessage `json:"content,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ReplyTo        string          `json:"reply_to,omitempty"`
	TTLSeconds     int             `json:"ttl_seconds,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (s *Store) SaveMessage(msg *BusMessage) error {
	var content *string
	if len(msg.Content) > 0 {
		c := string(msg.Content)
		content = &c
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO bus_messages (id, type, source, target, priority, content, conversation_id, reply_to, ttl_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Type, msg.Source, msg.Target, msg.Priority, content,
		msg.ConversationID, msg.ReplyTo, msg.TTLSeconds, msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetRecentMessages returns messages newest first, optionally filtered by
// type.
func (s *Store) GetRecentMessages(typ string, limit int) ([]BusMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, type, source, target, priority, content, conversation_id, reply_to, ttl_seconds, created_at FROM bus_messages`
	var args []any
	if typ != "" {
		query += ` WHERE type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	defer rows.Close()

	var messages []BusMessage
	for rows.Next() {
		var m BusMessage
		var content, conversation, replyTo sql.NullString
		if err := rows.Scan(&m.ID, &m.Type, &m.Source, &m.Target, &m.Priority, &content,
			&conversation, &replyTo, &m.TTLSeconds, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if content.Valid {
			m.Content = json.RawMessage(content.String)
		}
		m.ConversationID = conversation.String
		m.ReplyTo = replyTo.String
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// GetMessageStats counts journaled messages per type.
func (s *Store) GetMessageStats() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT type, COUNT(*) FROM bus_messages GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("get message stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan message stats: %w", err)
		}
		stats[typ] = n
	}
	return stats, rows.Err()
}
