package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/chat"
	"github.com/matheus3301/wabridge/internal/connection"
	"github.com/matheus3301/wabridge/internal/identity"
	"github.com/matheus3301/wabridge/internal/reconcile"
	"github.com/matheus3301/wabridge/internal/status"
	"github.com/matheus3301/wabridge/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

var errPendingReset = grpcstatus.Error(codes.FailedPrecondition, "account change pending: confirm or dismiss the account reset first")

// Service implements BridgeServer on top of the daemon components.
type Service struct {
	sessionName string
	startedAt   time.Time
	status      *status.Machine
	conn        *connection.Manager
	identity    *identity.Detector
	db          *store.DB
	reconcile   *reconcile.Engine
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewService creates the bridge service.
func NewService(sessionName string, st *status.Machine, conn *connection.Manager, id *identity.Detector, db *store.DB, rec *reconcile.Engine, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sessionName: sessionName,
		startedAt:   time.Now(),
		status:      st,
		conn:        conn,
		identity:    id,
		db:          db,
		reconcile:   rec,
		bus:         b,
		logger:      logger,
	}
}

func (s *Service) GetState(_ context.Context, _ *Empty) (*GetStateResponse, error) {
	snap := s.status.Snapshot()
	resp := &GetStateResponse{
		Result:              ok(""),
		Session:             s.sessionName,
		State:               string(snap.State),
		PairingArtifact:     snap.PairingArtifact,
		PendingAccountReset: snap.PendingAccountReset,
		AccountID:           snap.AccountID,
		UptimeMs:            time.Since(s.startedAt).Milliseconds(),
	}
	if n, err := s.db.MessageCount(); err == nil {
		resp.ArchivedMessages = n
	}
	return resp, nil
}

func (s *Service) Restart(ctx context.Context, _ *Empty) (*Result, error) {
	// The client outlives the request that restarted it.
	if err := s.conn.Restart(context.WithoutCancel(ctx)); err != nil {
		res := failed(fmt.Errorf("restart: %w", err))
		return &res, nil
	}
	res := ok("chat client restarted")
	return &res, nil
}

func (s *Service) Logout(ctx context.Context, _ *Empty) (*Result, error) {
	if err := s.conn.Logout(ctx); err != nil {
		res := failed(err)
		return &res, nil
	}
	res := ok("logged out")
	return &res, nil
}

func (s *Service) ConfirmAccountReset(ctx context.Context, _ *Empty) (*GroupsResponse, error) {
	if err := s.identity.Confirm(); err != nil {
		return &GroupsResponse{Result: failed(err), Groups: []Group{}}, nil
	}
	s.conn.ClearGroups()
	resp := &GroupsResponse{Result: ok("account reset confirmed"), Groups: []Group{}}
	groups, err := s.conn.RefreshGroups(ctx)
	if err != nil {
		s.logger.Warn("group refresh after account reset failed", zap.Error(err))
		resp.Errors = []string{fmt.Sprintf("refresh groups: %v", err)}
		return resp, nil
	}
	for _, g := range groups {
		resp.Groups = append(resp.Groups, groupFromStore(g))
	}
	return resp, nil
}

func (s *Service) DismissAccountReset(_ context.Context, _ *Empty) (*Result, error) {
	if err := s.identity.Dismiss(); err != nil {
		res := failed(err)
		return &res, nil
	}
	res := ok("account change accepted, data kept")
	return &res, nil
}

func (s *Service) ListGroups(_ context.Context, _ *Empty) (*GroupsResponse, error) {
	groups, err := s.conn.Groups()
	if err != nil {
		return &GroupsResponse{Result: failed(err), Groups: []Group{}}, nil
	}
	return groupsResponse(groups, ""), nil
}

func (s *Service) RefreshGroups(ctx context.Context, _ *Empty) (*GroupsResponse, error) {
	groups, err := s.conn.RefreshGroups(ctx)
	if err != nil {
		return &GroupsResponse{Result: failed(err), Groups: []Group{}}, nil
	}
	return groupsResponse(groups, fmt.Sprintf("%d groups", len(groups))), nil
}

func groupsResponse(groups []store.Group, msg string) *GroupsResponse {
	resp := &GroupsResponse{Result: ok(msg), Groups: make([]Group, 0, len(groups))}
	for _, g := range groups {
		resp.Groups = append(resp.Groups, groupFromStore(g))
	}
	return resp
}

func (s *Service) ListMappings(_ context.Context, _ *Empty) (*MappingsResponse, error) {
	mappings, err := s.db.ListMappings()
	if err != nil {
		return &MappingsResponse{Result: failed(err), Mappings: []Mapping{}}, nil
	}
	resp := &MappingsResponse{Result: ok(""), Mappings: make([]Mapping, 0, len(mappings))}
	for i := range mappings {
		resp.Mappings = append(resp.Mappings, *mappingFromStore(&mappings[i]))
	}
	return resp, nil
}

func (s *Service) AddMapping(_ context.Context, req *AddMappingRequest) (*MappingResponse, error) {
	if s.status.PendingAccountReset() {
		return nil, errPendingReset
	}
	source := strings.TrimSpace(req.SourceGroupID)
	target := strings.TrimSpace(req.TargetGroupID)
	if source == "" || target == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "source_group_id and target_group_id are required")
	}

	m := store.Mapping{
		SourceGroupID: source,
		TargetGroupID: target,
		Bidirectional: req.Bidirectional,
		Active:        true,
	}
	if groups, err := s.conn.Groups(); err == nil {
		for _, g := range groups {
			switch g.ID {
			case source:
				m.SourceGroupName = g.Name
			case target:
				m.TargetGroupName = g.Name
			}
		}
	}

	created, err := s.db.CreateMapping(m)
	if err != nil {
		return &MappingResponse{Result: failed(err)}, nil
	}
	s.logger.Info("mapping added",
		zap.Int64("mapping_id", created.ID),
		zap.String("source", source),
		zap.String("target", target),
		zap.Bool("bidirectional", created.Bidirectional),
	)
	return &MappingResponse{Result: ok("mapping added"), Mapping: mappingFromStore(created)}, nil
}

func (s *Service) ToggleMappingActive(_ context.Context, req *MappingRequest) (*MappingResponse, error) {
	if err := s.checkMutation(req.MappingID); err != nil {
		return nil, err
	}
	m, err := s.db.ToggleMappingActive(req.MappingID)
	return s.mappingResult(m, err, "mapping toggled")
}

func (s *Service) SetMappingDirection(_ context.Context, req *MappingRequest) (*MappingResponse, error) {
	if err := s.checkMutation(req.MappingID); err != nil {
		return nil, err
	}
	m, err := s.db.SetMappingBidirectional(req.MappingID, req.Bidirectional)
	return s.mappingResult(m, err, "mapping direction updated")
}

func (s *Service) DeleteMapping(_ context.Context, req *MappingRequest) (*Result, error) {
	if err := s.checkMutation(req.MappingID); err != nil {
		return nil, err
	}
	found, err := s.db.DeleteMapping(req.MappingID)
	if err != nil {
		res := failed(err)
		return &res, nil
	}
	if !found {
		res := failed(reconcile.ErrMappingNotFound)
		return &res, nil
	}
	s.logger.Info("mapping deleted", zap.Int64("mapping_id", req.MappingID))
	res := ok("mapping deleted")
	return &res, nil
}

func (s *Service) checkMutation(mappingID int64) error {
	if s.status.PendingAccountReset() {
		return errPendingReset
	}
	if mappingID <= 0 {
		return grpcstatus.Error(codes.InvalidArgument, "mapping_id is required")
	}
	return nil
}

func (s *Service) mappingResult(m *store.Mapping, err error, msg string) (*MappingResponse, error) {
	if err != nil {
		return &MappingResponse{Result: failed(err)}, nil
	}
	if m == nil {
		return &MappingResponse{Result: failed(reconcile.ErrMappingNotFound)}, nil
	}
	return &MappingResponse{Result: ok(msg), Mapping: mappingFromStore(m)}, nil
}

func (s *Service) GetSyncStats(_ context.Context, _ *Empty) (*SyncStatsResponse, error) {
	stats, err := s.db.SyncStats()
	if err != nil {
		return &SyncStatsResponse{Result: failed(err), Stats: []MappingStats{}}, nil
	}
	resp := &SyncStatsResponse{Result: ok(""), Stats: make([]MappingStats, 0, len(stats))}
	for i := range stats {
		st := MappingStats{
			Mapping: *mappingFromStore(&stats[i].Mapping),
			Forward: cursorFromStore(stats[i].Forward),
		}
		if stats[i].Mapping.Bidirectional {
			rev := cursorFromStore(stats[i].Reverse)
			st.Reverse = &rev
		}
		resp.Stats = append(resp.Stats, st)
	}
	return resp, nil
}

func (s *Service) GetReconcileSummary(ctx context.Context, _ *Empty) (*SummaryResponse, error) {
	resp := &SummaryResponse{Items: []reconcile.SummaryItem{}}
	if !s.status.IsReady() {
		resp.Result = Result{Success: false, Message: reconcile.ErrNotReady.Error()}
		return resp, nil
	}
	items, err := s.reconcile.Summary(ctx)
	if err != nil {
		resp.Result = failed(err)
		return resp, nil
	}
	resp.Result = ok("")
	if items != nil {
		resp.Items = items
	}
	return resp, nil
}

func (s *Service) FetchMissedMessages(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	dir, err := parseSelection(req.MappingID, req.Direction)
	if err != nil {
		return nil, err
	}
	if req.Limit < 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "limit must not be negative")
	}
	res, err := s.reconcile.Fetch(ctx, req.MappingID, dir, req.Limit)
	return fetchResponse(req.MappingID, dir, res, err), nil
}

func (s *Service) FetchMoreMissedMessages(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	dir, err := parseSelection(req.MappingID, req.Direction)
	if err != nil {
		return nil, err
	}
	if req.Limit < 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "limit must not be negative")
	}
	res, err := s.reconcile.FetchMore(ctx, req.MappingID, dir, req.Limit)
	return fetchResponse(req.MappingID, dir, res, err), nil
}

func fetchResponse(mappingID int64, dir store.Direction, res *reconcile.FetchResult, err error) *FetchResponse {
	resp := &FetchResponse{MappingID: mappingID, Direction: string(dir), Messages: []reconcile.Message{}}
	if err != nil {
		resp.Result = failed(err)
		return resp
	}
	resp.Result = ok(fmt.Sprintf("%d missed messages", len(res.Messages)))
	resp.Messages = res.Messages
	resp.HasMore = res.HasMore
	return resp
}

func (s *Service) SyncMessages(ctx context.Context, req *SelectRequest) (*SyncResponse, error) {
	dir, err := parseSelection(req.MappingID, req.Direction)
	if err != nil {
		return nil, err
	}
	if len(req.MessageIDs) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message_ids is required")
	}
	res, err := s.reconcile.Sync(ctx, req.MappingID, dir, req.MessageIDs)
	if err != nil {
		r := failed(err)
		r.Errors = append(res.Errors, r.Errors...)
		return &SyncResponse{Result: r, Synced: res.Synced, CursorTs: s.cursorTs(req.MappingID, dir)}, nil
	}
	resp := &SyncResponse{
		Result:   Result{Success: len(res.Errors) == 0, Message: fmt.Sprintf("synced %d of %d messages", res.Synced, len(req.MessageIDs)), Errors: res.Errors},
		Synced:   res.Synced,
		CursorTs: res.CursorTs,
	}
	return resp, nil
}

func (s *Service) IgnoreMessages(ctx context.Context, req *SelectRequest) (*IgnoreResponse, error) {
	dir, err := parseSelection(req.MappingID, req.Direction)
	if err != nil {
		return nil, err
	}
	if len(req.MessageIDs) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message_ids is required")
	}
	res, err := s.reconcile.Ignore(ctx, req.MappingID, dir, req.MessageIDs)
	if err != nil {
		return &IgnoreResponse{Result: failed(err), CursorTs: s.cursorTs(req.MappingID, dir)}, nil
	}
	return &IgnoreResponse{
		Result:   ok(fmt.Sprintf("ignored %d messages", res.Ignored)),
		Ignored:  res.Ignored,
		CursorTs: res.CursorTs,
	}, nil
}

func (s *Service) cursorTs(mappingID int64, dir store.Direction) int64 {
	c, err := s.db.GetCursor(mappingID, dir)
	if err != nil {
		return 0
	}
	return c.CursorTs
}

func (s *Service) WatchEvents(req *WatchEventsRequest, stream grpc.ServerStreamingServer[Event]) error {
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if !matchesPrefix(evt.Kind, req.Prefixes) {
				continue
			}
			payload, err := marshalPayload(evt)
			if err != nil {
				s.logger.Warn("failed to encode event payload", zap.String("kind", evt.Kind), zap.Error(err))
			}
			if err := stream.Send(&Event{
				ID:               uuid.New().String(),
				Session:          s.sessionName,
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Payload:          payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func matchesPrefix(kind string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(kind, p) {
			return true
		}
	}
	return false
}

// marshalPayload encodes an event payload, leaving out raw network messages.
func marshalPayload(evt bus.Event) (json.RawMessage, error) {
	var v any
	switch p := evt.Payload.(type) {
	case nil:
		return nil, nil
	case *chat.Message:
		v = messageView(p)
	case []chat.Message:
		v = map[string]int{"count": len(p)}
	case chat.PairingChallenge:
		v = map[string]string{"code": p.Code}
	case chat.Disconnect:
		v = map[string]any{"reason": p.Reason, "logged_out": p.LoggedOut}
	case status.StatusChange:
		v = map[string]string{"from": string(p.From), "to": string(p.To)}
	default:
		v = p
	}
	return json.Marshal(v)
}

func messageView(m *chat.Message) reconcile.Message {
	return reconcile.Message{
		ID:          m.ID,
		Timestamp:   m.Timestamp,
		SenderName:  m.SenderName,
		SenderPhone: m.SenderPhone,
		Body:        m.Body,
		HasMedia:    m.HasMedia,
		Type:        m.Type,
	}
}

// parseSelection validates the mapping and direction of a reconcile request.
// An empty direction means forward.
func parseSelection(mappingID int64, direction string) (store.Direction, error) {
	if mappingID <= 0 {
		return "", grpcstatus.Error(codes.InvalidArgument, "mapping_id is required")
	}
	if direction == "" {
		return store.Forward, nil
	}
	dir := store.Direction(strings.ToLower(direction))
	if !dir.Valid() {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "unknown direction %q", direction)
	}
	return dir, nil
}

// IsPendingReset reports whether err is the account reset gate.
func IsPendingReset(err error) bool {
	return grpcstatus.Code(err) == codes.FailedPrecondition
}

var _ BridgeServer = (*Service)(nil)
