package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SettingAccountID holds the account identity the stored data belongs to.
const SettingAccountID = "account_id"

// PutSetting inserts or updates a setting value.
func (db *DB) PutSetting(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetSetting retrieves a setting value. ok is false when the key is unset.
func (db *DB) GetSetting(key string) (value string, ok bool, err error) {
	err = db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// ResetAccountData wipes groups, mappings and cursors and records accountID as
// the owner of the (now empty) data, all in one transaction.
func (db *DB) ResetAccountData(accountID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM sync_cursors`,
		`DELETE FROM mappings`,
		`DELETE FROM groups`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	if _, err := tx.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		SettingAccountID, accountID, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("store account id: %w", err)
	}
	return tx.Commit()
}
