package store

import (
	"database/sql"
	"fmt"
	"time"
)

const mappingColumns = `id, source_group_id, source_group_name, target_group_id, target_group_name, bidirectional, active, created_at`

// CreateMapping validates and inserts a new mapping. The returned copy carries the assigned ID.
func (db *DB) CreateMapping(m Mapping) (*Mapping, error) {
	if m.SourceGroupID == "" || m.TargetGroupID == "" {
		return nil, ErrMissingGroup
	}
	if m.SourceGroupID == m.TargetGroupID {
		return nil, ErrSameGroup
	}
	m.CreatedAt = time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO mappings (source_group_id, source_group_name, target_group_id, target_group_name, bidirectional, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.SourceGroupID, m.SourceGroupName, m.TargetGroupID, m.TargetGroupName, m.Bidirectional, m.Active, m.CreatedAt)
	if isUniqueViolation(err) {
		return nil, ErrMappingExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert mapping: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMapping returns a mapping by ID, or nil if it does not exist.
func (db *DB) GetMapping(id int64) (*Mapping, error) {
	m, err := scanMapping(db.QueryRow(`SELECT `+mappingColumns+` FROM mappings WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMappings returns every mapping ordered by creation.
func (db *DB) ListMappings() ([]Mapping, error) {
	return db.queryMappings(`SELECT ` + mappingColumns + ` FROM mappings ORDER BY id`)
}

// ListActiveMappings returns the mappings that currently relay messages.
func (db *DB) ListActiveMappings() ([]Mapping, error) {
	return db.queryMappings(`SELECT ` + mappingColumns + ` FROM mappings WHERE active = 1 ORDER BY id`)
}

// MappingsFromGroup returns the active mappings that relay messages posted in
// groupID: those where it is the source, and bidirectional ones where it is the target.
func (db *DB) MappingsFromGroup(groupID string) ([]Mapping, error) {
	return db.queryMappings(`
		SELECT `+mappingColumns+` FROM mappings
		WHERE active = 1 AND (source_group_id = ? OR (bidirectional = 1 AND target_group_id = ?))
		ORDER BY id`, groupID, groupID)
}

// ToggleMappingActive flips the active flag. Returns nil if the mapping does not exist.
func (db *DB) ToggleMappingActive(id int64) (*Mapping, error) {
	res, err := db.Exec(`UPDATE mappings SET active = 1 - active WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("toggle mapping: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return db.GetMapping(id)
}

// SetMappingBidirectional sets the direction flag. Returns nil if the mapping does not exist.
func (db *DB) SetMappingBidirectional(id int64, bidirectional bool) (*Mapping, error) {
	res, err := db.Exec(`UPDATE mappings SET bidirectional = ? WHERE id = ?`, bidirectional, id)
	if err != nil {
		return nil, fmt.Errorf("set mapping direction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return db.GetMapping(id)
}

// DeleteMapping removes a mapping and its cursors. Reports whether it existed.
func (db *DB) DeleteMapping(id int64) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM sync_cursors WHERE mapping_id = ?`, id); err != nil {
		return false, fmt.Errorf("delete cursors: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM mappings WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete mapping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

func (db *DB) queryMappings(query string, args ...any) ([]Mapping, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row rowScanner) (*Mapping, error) {
	var m Mapping
	if err := row.Scan(&m.ID, &m.SourceGroupID, &m.SourceGroupName, &m.TargetGroupID, &m.TargetGroupName,
		&m.Bidirectional, &m.Active, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}
