package api

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/chat"
	"github.com/matheus3301/wabridge/internal/chat/chattest"
	"github.com/matheus3301/wabridge/internal/connection"
	"github.com/matheus3301/wabridge/internal/forward"
	"github.com/matheus3301/wabridge/internal/identity"
	"github.com/matheus3301/wabridge/internal/reconcile"
	"github.com/matheus3301/wabridge/internal/status"
	"github.com/matheus3301/wabridge/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type harness struct {
	db     *store.DB
	bus    *bus.Bus
	status *status.Machine
	mgr    *connection.Manager
	client *chattest.Client
	svc    *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{db: db, bus: bus.New()}
	h.status = status.NewMachine(h.bus)
	h.client = &chattest.Client{
		Account: "bot@s.whatsapp.net",
		Groups:  []chat.Group{{ID: "g1", Name: "One", ParticipantCount: 3}, {ID: "g2", Name: "Two", ParticipantCount: 5}},
	}
	factory := func(context.Context) (chat.Client, error) { return h.client, nil }
	id := identity.NewDetector(db, h.status, nil)
	h.mgr = connection.New(factory, h.status, db, h.bus, id, connection.Config{CallTimeout: time.Second}, nil)

	fwd := forward.New(db, h.mgr, h.bus, forward.Config{
		SelfSentTTL: time.Minute,
		DedupTTL:    5 * time.Second,
		DedupPrefix: 100,
		SendTimeout: time.Second,
		Location:    time.UTC,
	}, nil)
	rec := reconcile.New(db, h.mgr, h.status, fwd, h.bus, reconcile.Config{
		PageSize:           10,
		HistoryWindow:      100,
		CacheTTL:           time.Minute,
		FetchTimeout:       time.Second,
		SummaryConcurrency: 2,
	}, nil)
	h.svc = NewService("test", h.status, h.mgr, id, db, rec, h.bus, nil)

	h.mgr.Start(context.Background())
	t.Cleanup(h.mgr.Stop)
	return h
}

// connect initializes the client and walks it to ready.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.mgr.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.bus.Publish(bus.NewEvent(bus.KindAuthenticated, nil))
	waitFor(t, "connecting", func() bool { return h.status.Current() == status.Connecting })
	h.bus.Publish(bus.NewEvent(bus.KindReady, nil))
	waitFor(t, "ready", func() bool { return h.status.IsReady() })
	waitFor(t, "groups", func() bool {
		gs, _ := h.db.ListGroups()
		return len(gs) == 2
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := grpcstatus.Code(err); got != code {
		t.Fatalf("code = %v, want %v (err = %v)", got, code, err)
	}
}

func TestGetState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.svc.GetState(ctx, &Empty{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Session != "test" || resp.State != string(status.Disconnected) {
		t.Errorf("state = %+v", resp)
	}

	h.connect(t)
	resp, _ = h.svc.GetState(ctx, &Empty{})
	if resp.State != string(status.Ready) {
		t.Errorf("state = %q, want ready", resp.State)
	}
	if resp.AccountID != "bot@s.whatsapp.net" {
		t.Errorf("account = %q", resp.AccountID)
	}
	if resp.PendingAccountReset {
		t.Error("unexpected pending reset on first run")
	}
}

func TestAddMapping(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	ctx := context.Background()

	resp, err := h.svc.AddMapping(ctx, &AddMappingRequest{SourceGroupID: "g1", TargetGroupID: "g2"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Mapping == nil {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Mapping.SourceGroupName != "One" || resp.Mapping.TargetGroupName != "Two" {
		t.Errorf("names = %q, %q", resp.Mapping.SourceGroupName, resp.Mapping.TargetGroupName)
	}
	if !resp.Mapping.Active || resp.Mapping.Bidirectional {
		t.Errorf("flags = %+v", resp.Mapping)
	}

	dup, err := h.svc.AddMapping(ctx, &AddMappingRequest{SourceGroupID: "g1", TargetGroupID: "g2"})
	if err != nil {
		t.Fatal(err)
	}
	if dup.Success || dup.Message != store.ErrMappingExists.Error() {
		t.Errorf("duplicate = %+v", dup)
	}

	same, err := h.svc.AddMapping(ctx, &AddMappingRequest{SourceGroupID: "g1", TargetGroupID: "g1"})
	if err != nil {
		t.Fatal(err)
	}
	if same.Success {
		t.Error("same-group mapping accepted")
	}

	_, err = h.svc.AddMapping(ctx, &AddMappingRequest{SourceGroupID: " ", TargetGroupID: "g2"})
	wantCode(t, err, codes.InvalidArgument)
}

func TestMappingMutations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	added, _ := h.svc.AddMapping(ctx, &AddMappingRequest{SourceGroupID: "g1", TargetGroupID: "g2"})
	id := added.Mapping.ID

	toggled, err := h.svc.ToggleMappingActive(ctx, &MappingRequest{MappingID: id})
	if err != nil {
		t.Fatal(err)
	}
	if !toggled.Success || toggled.Mapping.Active {
		t.Errorf("toggle = %+v", toggled)
	}

	dir, err := h.svc.SetMappingDirection(ctx, &MappingRequest{MappingID: id, Bidirectional: true})
	if err != nil {
		t.Fatal(err)
	}
	if !dir.Mapping.Bidirectional {
		t.Error("direction not updated")
	}

	list, _ := h.svc.ListMappings(ctx, &Empty{})
	if len(list.Mappings) != 1 {
		t.Fatalf("mappings = %d", len(list.Mappings))
	}

	del, err := h.svc.DeleteMapping(ctx, &MappingRequest{MappingID: id})
	if err != nil {
		t.Fatal(err)
	}
	if !del.Success {
		t.Errorf("delete = %+v", del)
	}

	missing := []struct {
		name string
		call func() (bool, error)
	}{
		{"toggle", func() (bool, error) {
			r, err := h.svc.ToggleMappingActive(ctx, &MappingRequest{MappingID: id})
			return r != nil && r.Success, err
		}},
		{"direction", func() (bool, error) {
			r, err := h.svc.SetMappingDirection(ctx, &MappingRequest{MappingID: id})
			return r != nil && r.Success, err
		}},
		{"delete", func() (bool, error) {
			r, err := h.svc.DeleteMapping(ctx, &MappingRequest{MappingID: id})
			return r != nil && r.Success, err
		}},
	}
	for _, tt := range missing {
		t.Run(tt.name, func(t *testing.T) {
			success, err := tt.call()
			if err != nil {
				t.Fatal(err)
			}
			if success {
				t.Error("mutation of deleted mapping succeeded")
			}
		})
	}

	_, err = h.svc.DeleteMapping(ctx, &MappingRequest{})
	wantCode(t, err, codes.InvalidArgument)
}

func TestPendingResetGatesMutations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	added, _ := h.svc.AddMapping(ctx, &AddMappingRequest{SourceGroupID: "g1", TargetGroupID: "g2"})
	h.status.SetPendingAccountReset(true)

	_, err := h.svc.AddMapping(ctx, &AddMappingRequest{SourceGroupID: "g2", TargetGroupID: "g1"})
	wantCode(t, err, codes.FailedPrecondition)
	_, err = h.svc.ToggleMappingActive(ctx, &MappingRequest{MappingID: added.Mapping.ID})
	wantCode(t, err, codes.FailedPrecondition)
	_, err = h.svc.SetMappingDirection(ctx, &MappingRequest{MappingID: added.Mapping.ID, Bidirectional: true})
	wantCode(t, err, codes.FailedPrecondition)
	_, err = h.svc.DeleteMapping(ctx, &MappingRequest{MappingID: added.Mapping.ID})
	wantCode(t, err, codes.FailedPrecondition)
	if !IsPendingReset(err) {
		t.Error("IsPendingReset = false")
	}

	list, _ := h.svc.ListMappings(ctx, &Empty{})
	if len(list.Mappings) != 1 || !list.Mappings[0].Active {
		t.Errorf("mappings changed while gated: %+v", list.Mappings)
	}
}

func TestConfirmAccountReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.db.PutSetting(store.SettingAccountID, "old@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}
	added, _ := h.svc.AddMapping(ctx, &AddMappingRequest{SourceGroupID: "g1", TargetGroupID: "g2"})
	if err := h.db.AdvanceCursor(added.Mapping.ID, store.Forward, 100); err != nil {
		t.Fatal(err)
	}

	h.connect(t)
	waitFor(t, "pending reset", h.status.PendingAccountReset)

	resp, err := h.svc.ConfirmAccountReset(ctx, &Empty{})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || len(resp.Errors) != 0 {
		t.Fatalf("confirm = %+v", resp)
	}
	if len(resp.Groups) != 2 {
		t.Errorf("refreshed groups = %d, want 2", len(resp.Groups))
	}
	if h.status.PendingAccountReset() {
		t.Error("pending flag not cleared")
	}
	list, _ := h.svc.ListMappings(ctx, &Empty{})
	if len(list.Mappings) != 0 {
		t.Errorf("mappings = %d, want 0", len(list.Mappings))
	}
	if v, _, _ := h.db.GetSetting(store.SettingAccountID); v != "bot@s.whatsapp.net" {
		t.Errorf("account = %q", v)
	}

	again, _ := h.svc.ConfirmAccountReset(ctx, &Empty{})
	if again.Success {
		t.Error("confirm without pending reset succeeded")
	}
}

func TestConfirmAccountResetRefreshFailureClearsGroups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.db.PutSetting(store.SettingAccountID, "old@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}
	h.connect(t)
	waitFor(t, "pending reset", h.status.PendingAccountReset)

	h.client.FailListGroups(errors.New("offline"))
	resp, err := h.svc.ConfirmAccountReset(ctx, &Empty{})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || len(resp.Errors) != 1 {
		t.Fatalf("confirm = %+v, want success with one refresh error", resp)
	}

	groups, err := h.svc.ListGroups(ctx, &Empty{})
	if err != nil {
		t.Fatal(err)
	}
	if len(groups.Groups) != 0 {
		t.Errorf("groups after reset = %+v, want none", groups.Groups)
	}
}

func TestDismissAccountReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.db.PutSetting(store.SettingAccountID, "old@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}
	_, _ = h.svc.AddMapping(ctx, &AddMappingRequest{SourceGroupID: "g1", TargetGroupID: "g2"})

	h.connect(t)
	waitFor(t, "pending reset", h.status.PendingAccountReset)

	resp, err := h.svc.DismissAccountReset(ctx, &Empty{})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Fatalf("dismiss = %+v", resp)
	}
	list, _ := h.svc.ListMappings(ctx, &Empty{})
	if len(list.Mappings) != 1 {
		t.Errorf("mappings = %d, want 1", len(list.Mappings))
	}
	if v, _, _ := h.db.GetSetting(store.SettingAccountID); v != "bot@s.whatsapp.net" {
		t.Errorf("account = %q", v)
	}
}

func TestGroupsWithoutClient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	refreshed, err := h.svc.RefreshGroups(ctx, &Empty{})
	if err != nil {
		t.Fatal(err)
	}
	if refreshed.Success {
		t.Error("refresh without client succeeded")
	}

	listed, err := h.svc.ListGroups(ctx, &Empty{})
	if err != nil {
		t.Fatal(err)
	}
	if !listed.Success || len(listed.Groups) != 0 {
		t.Errorf("list = %+v", listed)
	}
}

func TestReconcileWorkflow(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	ctx := context.Background()

	added, _ := h.svc.AddMapping(ctx, &AddMappingRequest{SourceGroupID: "g1", TargetGroupID: "g2"})
	id := added.Mapping.ID
	if err := h.db.AdvanceCursor(id, store.Forward, 100); err != nil {
		t.Fatal(err)
	}
	h.client.AddHistory("g1",
		chat.Message{ID: "m0", ChatID: "g1", SenderName: "Alice", Body: "old", Type: "text", Timestamp: 90},
		chat.Message{ID: "m1", ChatID: "g1", SenderName: "Alice", Body: "first", Type: "text", Timestamp: 150},
		chat.Message{ID: "m2", ChatID: "g1", SenderName: "Bob", Body: "second", Type: "text", Timestamp: 200},
	)

	sync, err := h.svc.SyncMessages(ctx, &SelectRequest{MappingID: id, MessageIDs: []string{"m1"}})
	if err != nil {
		t.Fatal(err)
	}
	if sync.Success || sync.Synced != 0 || sync.CursorTs != 100 {
		t.Errorf("sync before fetch = %+v", sync)
	}

	summary, err := h.svc.GetReconcileSummary(ctx, &Empty{})
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Items) != 1 || summary.Items[0].MissedCount != 2 {
		t.Fatalf("summary = %+v", summary)
	}

	fetched, err := h.svc.FetchMissedMessages(ctx, &FetchRequest{MappingID: id, Direction: "forward"})
	if err != nil {
		t.Fatal(err)
	}
	if len(fetched.Messages) != 2 || fetched.Messages[0].ID != "m1" {
		t.Fatalf("fetch = %+v", fetched)
	}

	sync, err = h.svc.SyncMessages(ctx, &SelectRequest{MappingID: id, Direction: "forward", MessageIDs: []string{"m1", "m2"}})
	if err != nil {
		t.Fatal(err)
	}
	if !sync.Success || sync.Synced != 2 || sync.CursorTs != 200 {
		t.Errorf("sync = %+v", sync)
	}
	if sent := h.client.SentTo("g2"); len(sent) != 2 {
		t.Errorf("sent to g2 = %d, want 2", len(sent))
	}

	again, _ := h.svc.FetchMissedMessages(ctx, &FetchRequest{MappingID: id})
	if len(again.Messages) != 0 {
		t.Errorf("fetch after sync = %d messages", len(again.Messages))
	}

	stats, _ := h.svc.GetSyncStats(ctx, &Empty{})
	if len(stats.Stats) != 1 || stats.Stats[0].Forward.MsgCount != 2 || stats.Stats[0].Reverse != nil {
		t.Errorf("stats = %+v", stats.Stats)
	}
}

func TestIgnoreMessages(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	ctx := context.Background()

	added, _ := h.svc.AddMapping(ctx, &AddMappingRequest{SourceGroupID: "g1", TargetGroupID: "g2", Bidirectional: true})
	id := added.Mapping.ID
	h.client.AddHistory("g2",
		chat.Message{ID: "r1", ChatID: "g2", Body: "one", Type: "text", Timestamp: 300},
		chat.Message{ID: "r2", ChatID: "g2", Body: "two", Type: "text", Timestamp: 400},
	)

	fetched, _ := h.svc.FetchMissedMessages(ctx, &FetchRequest{MappingID: id, Direction: "reverse"})
	if len(fetched.Messages) != 2 {
		t.Fatalf("fetch = %+v", fetched)
	}
	ignored, err := h.svc.IgnoreMessages(ctx, &SelectRequest{MappingID: id, Direction: "reverse", MessageIDs: []string{"r1", "r2", "unknown"}})
	if err != nil {
		t.Fatal(err)
	}
	if !ignored.Success || ignored.Ignored != 2 || ignored.CursorTs != 400 {
		t.Errorf("ignore = %+v", ignored)
	}
	if sent := h.client.Sent(); len(sent) != 0 {
		t.Errorf("ignore sent %d messages", len(sent))
	}
}

func TestMalformedReconcileRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"fetch without mapping", func() error {
			_, err := h.svc.FetchMissedMessages(ctx, &FetchRequest{})
			return err
		}},
		{"fetch bad direction", func() error {
			_, err := h.svc.FetchMissedMessages(ctx, &FetchRequest{MappingID: 1, Direction: "sideways"})
			return err
		}},
		{"fetch negative limit", func() error {
			_, err := h.svc.FetchMissedMessages(ctx, &FetchRequest{MappingID: 1, Limit: -1})
			return err
		}},
		{"fetch more bad direction", func() error {
			_, err := h.svc.FetchMoreMissedMessages(ctx, &FetchRequest{MappingID: 1, Direction: "up"})
			return err
		}},
		{"fetch more negative shown", func() error {
			_, err := h.svc.FetchMoreMissedMessages(ctx, &FetchRequest{MappingID: 1, Limit: -2})
			return err
		}},
		{"sync without ids", func() error {
			_, err := h.svc.SyncMessages(ctx, &SelectRequest{MappingID: 1})
			return err
		}},
		{"ignore without mapping", func() error {
			_, err := h.svc.IgnoreMessages(ctx, &SelectRequest{MessageIDs: []string{"x"}})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantCode(t, tt.call(), codes.InvalidArgument)
		})
	}
}

func TestSummaryNotReady(t *testing.T) {
	h := newHarness(t)
	resp, err := h.svc.GetReconcileSummary(context.Background(), &Empty{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Items == nil || len(resp.Items) != 0 {
		t.Errorf("summary = %+v", resp)
	}
}

func TestMarshalPayloadDropsRaw(t *testing.T) {
	payload, err := marshalPayload(bus.NewEvent(bus.KindMessage, &chat.Message{ID: "m1", Body: "hi", Raw: []byte("secret")}))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(payload); got != `{"id":"m1","timestamp":0,"sender_name":"","sender_phone":"","body":"hi","has_media":false,"type":""}` {
		t.Errorf("payload = %s", got)
	}
}

func TestGRPCRoundTrip(t *testing.T) {
	h := newHarness(t)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterBridgeServer(srv, h.svc)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	client := NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := client.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState error = %v", err)
	}
	if state.Session != "test" {
		t.Errorf("session = %q", state.Session)
	}

	added, err := client.AddMapping(ctx, &AddMappingRequest{SourceGroupID: "g1", TargetGroupID: "g2", Bidirectional: true})
	if err != nil {
		t.Fatalf("AddMapping error = %v", err)
	}
	if !added.Success || added.Mapping.ID == 0 {
		t.Fatalf("added = %+v", added)
	}

	_, err = client.AddMapping(ctx, &AddMappingRequest{})
	wantCode(t, err, codes.InvalidArgument)

	stream, err := client.WatchEvents(ctx, &WatchEventsRequest{Prefixes: []string{bus.KindGroupsRefresh}})
	if err != nil {
		t.Fatalf("WatchEvents error = %v", err)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		// The subscription is set up asynchronously, so keep publishing
		// until the stream delivers.
		for {
			h.bus.Publish(bus.NewEvent(bus.KindStatusChanged, status.StatusChange{From: status.Disconnected, To: status.Connecting}))
			h.bus.Publish(bus.NewEvent(bus.KindGroupsRefresh, 7))
			select {
			case <-done:
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}()
	evt, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv error = %v", err)
	}
	if evt.Kind != bus.KindGroupsRefresh || string(evt.Payload) != "7" || evt.ID == "" || evt.Session != "test" {
		t.Errorf("event = %+v", evt)
	}
}
