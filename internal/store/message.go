package store

import (
	"database/sql"
	"fmt"
	"time"
)

const upsertMessageSQL = `
	INSERT INTO messages (chat_id, msg_id, sender_id, sender_name, sender_phone, body, message_type, has_media, from_me, timestamp, raw, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(chat_id, msg_id) DO UPDATE SET
		sender_name = CASE WHEN excluded.sender_name != '' THEN excluded.sender_name ELSE messages.sender_name END,
		sender_phone = CASE WHEN excluded.sender_phone != '' THEN excluded.sender_phone ELSE messages.sender_phone END,
		body = excluded.body,
		raw = COALESCE(excluded.raw, messages.raw)`

// UpsertMessage archives a message (idempotent on chat_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	_, err := db.Exec(upsertMessageSQL, messageArgs(m, time.Now().UnixMilli())...)
	return err
}

// UpsertMessages archives a batch of messages in one transaction.
func (db *DB) UpsertMessages(msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(upsertMessageSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := stmt.Exec(messageArgs(m, now)...); err != nil {
			return fmt.Errorf("upsert message %s/%s: %w", m.ChatID, m.MsgID, err)
		}
	}
	return tx.Commit()
}

// RecentMessages returns up to limit of the newest messages of a chat, newest first.
func (db *DB) RecentMessages(chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT chat_id, msg_id, sender_id, sender_name, sender_phone, body, message_type, has_media, from_me, timestamp, raw
		FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp DESC, msg_id DESC
		LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ChatID, &m.MsgID, &m.SenderID, &m.SenderName, &m.SenderPhone, &m.Body,
			&m.MessageType, &m.HasMedia, &m.FromMe, &m.Timestamp, &m.Raw); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns an archived message, or nil if unknown.
func (db *DB) GetMessage(chatID, msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT chat_id, msg_id, sender_id, sender_name, sender_phone, body, message_type, has_media, from_me, timestamp, raw
		FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID).
		Scan(&m.ChatID, &m.MsgID, &m.SenderID, &m.SenderName, &m.SenderPhone, &m.Body,
			&m.MessageType, &m.HasMedia, &m.FromMe, &m.Timestamp, &m.Raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// PruneMessages deletes archived messages older than before (Unix seconds).
func (db *DB) PruneMessages(before int64) (int64, error) {
	res, err := db.Exec(`DELETE FROM messages WHERE timestamp < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MessageCount returns the total number of archived messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func messageArgs(m *Message, now int64) []any {
	var raw any
	if len(m.Raw) > 0 {
		raw = m.Raw
	}
	msgType := m.MessageType
	if msgType == "" {
		msgType = "unknown"
	}
	return []any{m.ChatID, m.MsgID, m.SenderID, m.SenderName, m.SenderPhone, m.Body, msgType, m.HasMedia, m.FromMe, m.Timestamp, raw, now}
}
