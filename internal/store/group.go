package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ReplaceGroups swaps the cached group list for the given one in a single transaction.
func (db *DB) ReplaceGroups(groups []Group) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM groups`); err != nil {
		return fmt.Errorf("clear groups: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, g := range groups {
		if _, err := tx.Exec(`
			INSERT INTO groups (id, name, participant_count, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				participant_count = excluded.participant_count,
				updated_at = excluded.updated_at`,
			g.ID, g.Name, g.ParticipantCount, now); err != nil {
			return fmt.Errorf("insert group %q: %w", g.ID, err)
		}
	}
	return tx.Commit()
}

// ListGroups returns the cached groups sorted by name.
func (db *DB) ListGroups() ([]Group, error) {
	rows, err := db.Query(`SELECT id, name, participant_count, updated_at FROM groups ORDER BY name COLLATE NOCASE, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.ParticipantCount, &g.UpdatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// GetGroup returns a cached group by ID, or nil if unknown.
func (db *DB) GetGroup(id string) (*Group, error) {
	var g Group
	err := db.QueryRow(`SELECT id, name, participant_count, updated_at FROM groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.ParticipantCount, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GroupsUpdatedAt returns the newest refresh time of the group cache in Unix
// milliseconds, or 0 when the cache is empty.
func (db *DB) GroupsUpdatedAt() (int64, error) {
	var ts int64
	err := db.QueryRow(`SELECT COALESCE(MAX(updated_at), 0) FROM groups`).Scan(&ts)
	return ts, err
}
