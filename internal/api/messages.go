package api

import (
	"encoding/json"

	"github.com/matheus3301/wabridge/internal/reconcile"
	"github.com/matheus3301/wabridge/internal/store"
)

// Result is embedded in every response. Failures the operator can act on are
// reported here rather than as gRPC errors.
type Result struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

type Empty struct{}

type GetStateResponse struct {
	Result
	Session             string `json:"session"`
	State               string `json:"state"`
	PairingArtifact     string `json:"pairing_artifact,omitempty"`
	PendingAccountReset bool   `json:"pending_account_reset"`
	AccountID           string `json:"account_id,omitempty"`
	UptimeMs            int64  `json:"uptime_ms"`
	ArchivedMessages    int64  `json:"archived_messages"`
}

type Group struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ParticipantCount int    `json:"participant_count"`
	UpdatedAt        int64  `json:"updated_at"`
}

type GroupsResponse struct {
	Result
	Groups []Group `json:"groups"`
}

type Mapping struct {
	ID              int64  `json:"id"`
	SourceGroupID   string `json:"source_group_id"`
	SourceGroupName string `json:"source_group_name"`
	TargetGroupID   string `json:"target_group_id"`
	TargetGroupName string `json:"target_group_name"`
	Bidirectional   bool   `json:"bidirectional"`
	Active          bool   `json:"active"`
	CreatedAt       int64  `json:"created_at"`
}

type MappingsResponse struct {
	Result
	Mappings []Mapping `json:"mappings"`
}

type AddMappingRequest struct {
	SourceGroupID string `json:"source_group_id"`
	TargetGroupID string `json:"target_group_id"`
	Bidirectional bool   `json:"bidirectional"`
}

// MappingRequest addresses one mapping. Bidirectional is only read by
// SetMappingDirection.
type MappingRequest struct {
	MappingID     int64 `json:"mapping_id"`
	Bidirectional bool  `json:"bidirectional"`
}

type MappingResponse struct {
	Result
	Mapping *Mapping `json:"mapping,omitempty"`
}

type Cursor struct {
	CursorTs  int64 `json:"cursor_ts"`
	MsgCount  int64 `json:"msg_count"`
	UpdatedAt int64 `json:"updated_at"`
}

type MappingStats struct {
	Mapping Mapping `json:"mapping"`
	Forward Cursor  `json:"forward"`
	Reverse *Cursor `json:"reverse,omitempty"`
}

type SyncStatsResponse struct {
	Result
	Stats []MappingStats `json:"stats"`
}

type SummaryResponse struct {
	Result
	Items []reconcile.SummaryItem `json:"items"`
}

// FetchRequest selects a mapping direction. Limit is the page size for a
// fetch and the number of messages already shown for a fetch-more.
type FetchRequest struct {
	MappingID int64  `json:"mapping_id"`
	Direction string `json:"direction"`
	Limit     int    `json:"limit,omitempty"`
}

type FetchResponse struct {
	Result
	MappingID int64               `json:"mapping_id"`
	Direction string              `json:"direction"`
	Messages  []reconcile.Message `json:"messages"`
	HasMore   bool                `json:"has_more"`
}

// SelectRequest names cached messages to sync or ignore.
type SelectRequest struct {
	MappingID  int64    `json:"mapping_id"`
	Direction  string   `json:"direction"`
	MessageIDs []string `json:"message_ids"`
}

type SyncResponse struct {
	Result
	Synced   int   `json:"synced"`
	CursorTs int64 `json:"cursor_ts"`
}

type IgnoreResponse struct {
	Result
	Ignored  int   `json:"ignored"`
	CursorTs int64 `json:"cursor_ts"`
}

// WatchEventsRequest filters the event stream by kind prefix. No prefixes
// means every status and bridge event.
type WatchEventsRequest struct {
	Prefixes []string `json:"prefixes,omitempty"`
}

type Event struct {
	ID               string          `json:"id"`
	Session          string          `json:"session"`
	Kind             string          `json:"kind"`
	OccurredAtUnixMs int64           `json:"occurred_at_unix_ms"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

func ok(msg string) Result {
	return Result{Success: true, Message: msg}
}

func failed(err error) Result {
	return Result{Success: false, Message: err.Error(), Errors: []string{err.Error()}}
}

func groupFromStore(g store.Group) Group {
	return Group{ID: g.ID, Name: g.Name, ParticipantCount: g.ParticipantCount, UpdatedAt: g.UpdatedAt}
}

func mappingFromStore(m *store.Mapping) *Mapping {
	if m == nil {
		return nil
	}
	return &Mapping{
		ID:              m.ID,
		SourceGroupID:   m.SourceGroupID,
		SourceGroupName: m.SourceGroupName,
		TargetGroupID:   m.TargetGroupID,
		TargetGroupName: m.TargetGroupName,
		Bidirectional:   m.Bidirectional,
		Active:          m.Active,
		CreatedAt:       m.CreatedAt,
	}
}

func cursorFromStore(c store.Cursor) Cursor {
	return Cursor{CursorTs: c.CursorTs, MsgCount: c.MsgCount, UpdatedAt: c.UpdatedAt}
}
