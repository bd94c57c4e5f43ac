package identity

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/status"
	"github.com/matheus3301/wabridge/internal/store"
)

func setup(t *testing.T, account string) (*Detector, *store.DB, *status.Machine) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st := status.NewMachine(bus.New())
	if err := st.Authenticated(); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkReady(account); err != nil {
		t.Fatal(err)
	}
	return NewDetector(db, st, nil), db, st
}

func seed(t *testing.T, db *store.DB) *store.Mapping {
	t.Helper()
	if err := db.ReplaceGroups([]store.Group{{ID: "g1", Name: "One"}, {ID: "g2", Name: "Two"}}); err != nil {
		t.Fatal(err)
	}
	m, err := db.CreateMapping(store.Mapping{SourceGroupID: "g1", TargetGroupID: "g2", Active: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AdvanceCursor(m.ID, store.Forward, 100); err != nil {
		t.Fatal(err)
	}
	return m
}

func storedAccount(t *testing.T, db *store.DB) string {
	t.Helper()
	v, _, err := db.GetSetting(store.SettingAccountID)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestCheckFirstAccountIsStored(t *testing.T) {
	d, db, st := setup(t, "A")

	pending, err := d.Check("A")
	if err != nil {
		t.Fatal(err)
	}
	if pending || st.PendingAccountReset() {
		t.Error("first account flagged as pending reset")
	}
	if got := storedAccount(t, db); got != "A" {
		t.Errorf("stored account = %q, want A", got)
	}
}

func TestCheckSameAccount(t *testing.T) {
	d, db, _ := setup(t, "A")
	if err := db.PutSetting(store.SettingAccountID, "A"); err != nil {
		t.Fatal(err)
	}
	if pending, err := d.Check("A"); err != nil || pending {
		t.Errorf("Check() = %v, %v, want false, nil", pending, err)
	}
}

func TestCheckEmptyAccount(t *testing.T) {
	d, _, _ := setup(t, "A")
	if _, err := d.Check(""); !errors.Is(err, ErrNoAccount) {
		t.Errorf("Check(\"\") error = %v, want ErrNoAccount", err)
	}
}

func TestChangedAccountConfirm(t *testing.T) {
	d, db, st := setup(t, "B")
	if err := db.PutSetting(store.SettingAccountID, "A"); err != nil {
		t.Fatal(err)
	}
	seed(t, db)

	pending, err := d.Check("B")
	if err != nil {
		t.Fatal(err)
	}
	if !pending || !st.PendingAccountReset() {
		t.Fatal("changed account not flagged")
	}
	// Data is untouched until the operator decides.
	if ms, _ := db.ListMappings(); len(ms) != 1 {
		t.Fatalf("mappings = %d before confirm, want 1", len(ms))
	}

	if err := d.Confirm(); err != nil {
		t.Fatal(err)
	}
	if st.PendingAccountReset() {
		t.Error("pending flag still set after confirm")
	}
	if got := storedAccount(t, db); got != "B" {
		t.Errorf("stored account = %q, want B", got)
	}
	ms, _ := db.ListMappings()
	gs, _ := db.ListGroups()
	stats, _ := db.SyncStats()
	if len(ms) != 0 || len(gs) != 0 || len(stats) != 0 {
		t.Errorf("after confirm: %d mappings, %d groups, %d stats, want none", len(ms), len(gs), len(stats))
	}
}

func TestChangedAccountDismiss(t *testing.T) {
	d, db, st := setup(t, "B")
	if err := db.PutSetting(store.SettingAccountID, "A"); err != nil {
		t.Fatal(err)
	}
	m := seed(t, db)

	if _, err := d.Check("B"); err != nil {
		t.Fatal(err)
	}
	if err := d.Dismiss(); err != nil {
		t.Fatal(err)
	}
	if st.PendingAccountReset() {
		t.Error("pending flag still set after dismiss")
	}
	if got := storedAccount(t, db); got != "B" {
		t.Errorf("stored account = %q, want B", got)
	}
	cur, err := db.GetCursor(m.ID, store.Forward)
	if err != nil {
		t.Fatal(err)
	}
	if cur.CursorTs != 100 {
		t.Errorf("cursor = %d, want 100 kept", cur.CursorTs)
	}
}

func TestConfirmWithoutPendingReset(t *testing.T) {
	d, _, _ := setup(t, "A")
	if err := d.Confirm(); !errors.Is(err, ErrNoPendingReset) {
		t.Errorf("Confirm() error = %v, want ErrNoPendingReset", err)
	}
	if err := d.Dismiss(); !errors.Is(err, ErrNoPendingReset) {
		t.Errorf("Dismiss() error = %v, want ErrNoPendingReset", err)
	}
}
