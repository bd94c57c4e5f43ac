// Package identity notices when the chat client comes up logged in as a
// different account than the one the bridge data belongs to.
package identity

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/status"
	"github.com/matheus3301/wabridge/internal/store"
)

var (
	ErrNoAccount      = errors.New("no account is logged in")
	ErrNoPendingReset = errors.New("no account reset is pending")
)

// Detector compares the logged in account with the stored one.
type Detector struct {
	db     *store.DB
	status *status.Machine
	logger *zap.Logger
}

func NewDetector(db *store.DB, st *status.Machine, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{db: db, status: st, logger: logger}
}

// Check records accountID on first use and flags a pending reset when it
// differs from the stored account. It reports whether a reset is pending.
func (d *Detector) Check(accountID string) (bool, error) {
	if accountID == "" {
		return false, ErrNoAccount
	}
	stored, ok, err := d.db.GetSetting(store.SettingAccountID)
	if err != nil {
		return false, fmt.Errorf("get account setting: %w", err)
	}
	if !ok || stored == "" {
		if err := d.db.PutSetting(store.SettingAccountID, accountID); err != nil {
			return false, fmt.Errorf("store account: %w", err)
		}
		d.logger.Info("account recorded", zap.String("account", accountID))
		d.status.SetPendingAccountReset(false)
		return false, nil
	}
	if stored == accountID {
		d.status.SetPendingAccountReset(false)
		return false, nil
	}

	d.logger.Warn("logged in account changed, waiting for operator decision",
		zap.String("stored", stored),
		zap.String("current", accountID),
	)
	d.status.SetPendingAccountReset(true)
	return true, nil
}

// Confirm wipes groups, mappings and cursors and adopts the current account.
func (d *Detector) Confirm() error {
	accountID, err := d.pendingAccount()
	if err != nil {
		return err
	}
	if err := d.db.ResetAccountData(accountID); err != nil {
		return fmt.Errorf("reset account data: %w", err)
	}
	d.status.SetPendingAccountReset(false)
	d.logger.Info("account reset confirmed", zap.String("account", accountID))
	return nil
}

// Dismiss adopts the current account and keeps existing data.
func (d *Detector) Dismiss() error {
	accountID, err := d.pendingAccount()
	if err != nil {
		return err
	}
	if err := d.db.PutSetting(store.SettingAccountID, accountID); err != nil {
		return fmt.Errorf("store account: %w", err)
	}
	d.status.SetPendingAccountReset(false)
	d.logger.Info("account reset dismissed", zap.String("account", accountID))
	return nil
}

func (d *Detector) pendingAccount() (string, error) {
	snap := d.status.Snapshot()
	if !snap.PendingAccountReset {
		return "", ErrNoPendingReset
	}
	if snap.AccountID == "" {
		return "", ErrNoAccount
	}
	return snap.AccountID, nil
}
