package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetCursor returns the cursor of a mapping direction. A missing row is the zero cursor.
func (db *DB) GetCursor(mappingID int64, dir Direction) (Cursor, error) {
	var c Cursor
	err := db.QueryRow(`SELECT cursor_ts, msg_count, updated_at FROM sync_cursors WHERE mapping_id = ? AND direction = ?`,
		mappingID, string(dir)).Scan(&c.CursorTs, &c.MsgCount, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return Cursor{}, nil
	}
	return c, err
}

// AdvanceCursor moves the cursor to ts unless it is already further ahead.
// The comparison happens inside the upsert, so concurrent advances cannot regress it.
func (db *DB) AdvanceCursor(mappingID int64, dir Direction, ts int64) error {
	_, err := db.Exec(`
		INSERT INTO sync_cursors (mapping_id, direction, cursor_ts, msg_count, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(mapping_id, direction) DO UPDATE SET
			cursor_ts = MAX(sync_cursors.cursor_ts, excluded.cursor_ts),
			updated_at = excluded.updated_at`,
		mappingID, string(dir), ts, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("advance cursor %d/%s: %w", mappingID, dir, err)
	}
	return nil
}

// IncrementCount adds n to the forwarded-message counter of a mapping direction.
func (db *DB) IncrementCount(mappingID int64, dir Direction, n int64) error {
	_, err := db.Exec(`
		INSERT INTO sync_cursors (mapping_id, direction, cursor_ts, msg_count, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(mapping_id, direction) DO UPDATE SET
			msg_count = sync_cursors.msg_count + excluded.msg_count,
			updated_at = excluded.updated_at`,
		mappingID, string(dir), n, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("increment count %d/%s: %w", mappingID, dir, err)
	}
	return nil
}

// SyncStats returns every mapping with its forward and reverse cursors.
func (db *DB) SyncStats() ([]MappingStats, error) {
	rows, err := db.Query(`
		SELECT m.id, m.source_group_id, m.source_group_name, m.target_group_id, m.target_group_name,
			m.bidirectional, m.active, m.created_at,
			COALESCE(f.cursor_ts, 0), COALESCE(f.msg_count, 0), COALESCE(f.updated_at, 0),
			COALESCE(r.cursor_ts, 0), COALESCE(r.msg_count, 0), COALESCE(r.updated_at, 0)
		FROM mappings m
		LEFT JOIN sync_cursors f ON f.mapping_id = m.id AND f.direction = 'forward'
		LEFT JOIN sync_cursors r ON r.mapping_id = m.id AND r.direction = 'reverse'
		ORDER BY m.id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []MappingStats
	for rows.Next() {
		var s MappingStats
		m := &s.Mapping
		if err := rows.Scan(&m.ID, &m.SourceGroupID, &m.SourceGroupName, &m.TargetGroupID, &m.TargetGroupName,
			&m.Bidirectional, &m.Active, &m.CreatedAt,
			&s.Forward.CursorTs, &s.Forward.MsgCount, &s.Forward.UpdatedAt,
			&s.Reverse.CursorTs, &s.Reverse.MsgCount, &s.Reverse.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
