// Package reconcile lets an operator review messages a mapping missed while
// the bridge was offline, then relay or skip them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/chat"
	"github.com/matheus3301/wabridge/internal/store"
)

var (
	ErrFetchFirst      = errors.New("no fetched messages for this mapping direction, fetch first")
	ErrNotReady        = errors.New("chat client is not ready")
	ErrMappingNotFound = errors.New("mapping not found")
)

// ClientProvider hands out the current chat client, or nil when there is none.
type ClientProvider interface {
	Client() chat.Client
}

// Readiness reports whether the connection is operational.
type Readiness interface {
	IsReady() bool
}

// Sender relays one message to a group in the bridge envelope.
type Sender interface {
	Deliver(ctx context.Context, client chat.Client, groupID string, msg *chat.Message) error
}

// Config tunes the engine.
type Config struct {
	PageSize           int
	HistoryWindow      int
	CacheTTL           time.Duration
	FetchTimeout       time.Duration
	SummaryConcurrency int
	Now                func() time.Time
}

// Message is a missed message as shown to the operator.
type Message struct {
	ID          string `json:"id"`
	Timestamp   int64  `json:"timestamp"`
	SenderName  string `json:"sender_name"`
	SenderPhone string `json:"sender_phone"`
	Body        string `json:"body"`
	HasMedia    bool   `json:"has_media"`
	Type        string `json:"type"`
}

// FetchResult is one page of missed messages.
type FetchResult struct {
	MappingID int64           `json:"mapping_id"`
	Direction store.Direction `json:"direction"`
	Messages  []Message       `json:"messages"`
	HasMore   bool            `json:"has_more"`
}

// SummaryItem reports the missed messages of one mapping direction.
type SummaryItem struct {
	MappingID   int64           `json:"mapping_id"`
	Direction   store.Direction `json:"direction"`
	FromGroup   string          `json:"from_group"`
	FromName    string          `json:"from_name"`
	ToGroup     string          `json:"to_group"`
	ToName      string          `json:"to_name"`
	MissedCount int             `json:"missed_count"`
	HasMore     bool            `json:"has_more"`
}

// SyncResult reports a sync batch. Errors lists per-message failures.
type SyncResult struct {
	MappingID int64           `json:"mapping_id"`
	Direction store.Direction `json:"direction"`
	Synced    int             `json:"synced"`
	Errors    []string        `json:"errors,omitempty"`
	CursorTs  int64           `json:"cursor_ts"`
}

// IgnoreResult reports an ignore batch.
type IgnoreResult struct {
	MappingID int64           `json:"mapping_id"`
	Direction store.Direction `json:"direction"`
	Ignored   int             `json:"ignored"`
	CursorTs  int64           `json:"cursor_ts"`
}

// Engine serves missed-message reviews. Safe for concurrent use.
type Engine struct {
	db      *store.DB
	clients ClientProvider
	ready   Readiness
	sender  Sender
	bus     *bus.Bus
	cfg     Config
	logger  *zap.Logger
	cache   *cache

	inflight sync.Map // cacheKey -> *sync.Mutex
}

// New creates a reconciliation engine.
func New(db *store.DB, clients ClientProvider, ready Readiness, sender Sender, b *bus.Bus, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SummaryConcurrency <= 0 {
		cfg.SummaryConcurrency = 1
	}
	return &Engine{
		db:      db,
		clients: clients,
		ready:   ready,
		sender:  sender,
		bus:     b,
		cfg:     cfg,
		logger:  logger,
		cache:   newCache(cfg.CacheTTL, cfg.Now),
	}
}

// Reset drops every cached fetch.
func (e *Engine) Reset() {
	e.cache.reset()
}

// Summary fetches the first page of every active mapping direction and
// reports the ones with missed messages.
func (e *Engine) Summary(ctx context.Context) ([]SummaryItem, error) {
	if !e.ready.IsReady() {
		return nil, nil
	}
	mappings, err := e.db.ListActiveMappings()
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}

	var (
		mu    sync.Mutex
		items []SummaryItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SummaryConcurrency)
	for i := range mappings {
		m := mappings[i]
		for _, dir := range m.Directions() {
			g.Go(func() error {
				res, err := e.Fetch(gctx, m.ID, dir, e.cfg.PageSize)
				if err != nil {
					e.logger.Warn("summary fetch failed", zap.Error(err), zap.Int64("mapping_id", m.ID), zap.String("direction", string(dir)))
					return nil
				}
				if len(res.Messages) == 0 {
					return nil
				}
				from, to := m.Endpoints(dir)
				fromName, toName := m.EndpointNames(dir)
				mu.Lock()
				items = append(items, SummaryItem{
					MappingID:   m.ID,
					Direction:   dir,
					FromGroup:   from,
					FromName:    fromName,
					ToGroup:     to,
					ToName:      toName,
					MissedCount: len(res.Messages),
					HasMore:     res.HasMore,
				})
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].MappingID != items[j].MappingID {
			return items[i].MappingID < items[j].MappingID
		}
		return items[i].Direction < items[j].Direction
	})
	return items, nil
}

// Fetch returns up to limit missed messages of a mapping direction, oldest
// first. It is empty when the client is not ready or the mapping is unknown.
func (e *Engine) Fetch(ctx context.Context, mappingID int64, dir store.Direction, limit int) (*FetchResult, error) {
	if limit <= 0 {
		limit = e.cfg.PageSize
	}
	res := &FetchResult{MappingID: mappingID, Direction: dir, Messages: []Message{}}
	if !e.ready.IsReady() {
		return res, nil
	}
	m, err := e.mapping(mappingID, dir)
	if err != nil {
		if errors.Is(err, ErrMappingNotFound) {
			return res, nil
		}
		return nil, err
	}

	cursor, err := e.db.GetCursor(mappingID, dir)
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}

	key := cacheKey{mappingID, dir}
	entry := e.cache.usable(key, limit)
	if entry == nil {
		client := e.clients.Client()
		if client == nil {
			return res, nil
		}
		msgs, err := e.fetchHistory(ctx, client, m, dir, cursor.CursorTs, limit)
		if err != nil {
			return nil, err
		}
		entry = e.cache.put(key, msgs, limit)
	}

	page, hasMore := pageOf(entry.messages, cursor.CursorTs, limit)
	res.Messages = page
	res.HasMore = hasMore
	return res, nil
}

// FetchMore widens the page of a mapping direction by one page size. shown is
// how many messages the caller already has; the cached width wins when it is
// larger, so the window never shrinks after the cache expires.
func (e *Engine) FetchMore(ctx context.Context, mappingID int64, dir store.Direction, shown int) (*FetchResult, error) {
	key := cacheKey{mappingID, dir}
	current := max(shown, 0)
	if entry := e.cache.take(key); entry != nil {
		current = max(current, min(entry.lastLimit, len(entry.messages)))
	}
	return e.Fetch(ctx, mappingID, dir, current+e.cfg.PageSize)
}

// Sync relays the selected cached messages and advances the cursor to the
// newest one that was sent. The cached fetch is consumed up front, so a
// second Sync of the same ids needs a new fetch. Messages at or below the
// current cursor are skipped.
func (e *Engine) Sync(ctx context.Context, mappingID int64, dir store.Direction, ids []string) (*SyncResult, error) {
	res := &SyncResult{MappingID: mappingID, Direction: dir}
	key := cacheKey{mappingID, dir}

	if !e.ready.IsReady() {
		if e.cache.get(key) == nil {
			return res, ErrFetchFirst
		}
		return res, ErrNotReady
	}
	client := e.clients.Client()
	if client == nil {
		return res, ErrNotReady
	}

	unlock := e.lockKey(key)
	defer unlock()

	entry := e.cache.take(key)
	if entry == nil {
		return res, ErrFetchFirst
	}
	m, err := e.mapping(mappingID, dir)
	if err != nil {
		return res, err
	}
	_, to := m.Endpoints(dir)

	cursor, err := e.db.GetCursor(mappingID, dir)
	if err != nil {
		return res, fmt.Errorf("get cursor: %w", err)
	}

	var maxTs int64
	for _, msg := range selectIDs(entry.messages, ids) {
		if msg.Timestamp <= cursor.CursorTs {
			e.logger.Debug("skipping message already behind cursor", zap.Int64("mapping_id", mappingID), zap.String("msg_id", msg.ID))
			continue
		}
		if err := e.sender.Deliver(ctx, client, to, &msg); err != nil {
			e.logger.Warn("sync send failed", zap.Error(err), zap.Int64("mapping_id", mappingID), zap.String("msg_id", msg.ID))
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", msg.ID, err))
			continue
		}
		res.Synced++
		if err := e.db.IncrementCount(mappingID, dir, 1); err != nil {
			e.logger.Error("failed to increment counter", zap.Error(err), zap.Int64("mapping_id", mappingID))
		}
		maxTs = max(maxTs, msg.Timestamp)
	}

	if maxTs > 0 {
		if err := e.db.AdvanceCursor(mappingID, dir, maxTs); err != nil {
			return res, fmt.Errorf("advance cursor: %w", err)
		}
	}

	cursor, err = e.db.GetCursor(mappingID, dir)
	if err != nil {
		return res, fmt.Errorf("get cursor: %w", err)
	}
	res.CursorTs = cursor.CursorTs

	e.logger.Info("missed messages synced",
		zap.Int64("mapping_id", mappingID),
		zap.String("direction", string(dir)),
		zap.Int("synced", res.Synced),
		zap.Int("failed", len(res.Errors)),
	)
	e.bus.Publish(bus.NewEvent(bus.KindSynced, *res))
	return res, nil
}

// Ignore advances the cursor past the selected cached messages without
// sending them. Ids that are not cached are skipped.
func (e *Engine) Ignore(_ context.Context, mappingID int64, dir store.Direction, ids []string) (*IgnoreResult, error) {
	res := &IgnoreResult{MappingID: mappingID, Direction: dir}
	key := cacheKey{mappingID, dir}

	unlock := e.lockKey(key)
	defer unlock()

	entry := e.cache.take(key)
	if entry == nil {
		return res, ErrFetchFirst
	}

	var maxTs int64
	for _, msg := range selectIDs(entry.messages, ids) {
		res.Ignored++
		maxTs = max(maxTs, msg.Timestamp)
	}
	if maxTs > 0 {
		if err := e.db.AdvanceCursor(mappingID, dir, maxTs); err != nil {
			return res, fmt.Errorf("advance cursor: %w", err)
		}
	}

	cursor, err := e.db.GetCursor(mappingID, dir)
	if err != nil {
		return res, fmt.Errorf("get cursor: %w", err)
	}
	res.CursorTs = cursor.CursorTs

	e.bus.Publish(bus.NewEvent(bus.KindIgnored, *res))
	return res, nil
}

// lockKey serializes Sync and Ignore per mapping direction.
func (e *Engine) lockKey(k cacheKey) func() {
	v, _ := e.inflight.LoadOrStore(k, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) mapping(id int64, dir store.Direction) (*store.Mapping, error) {
	m, err := e.db.GetMapping(id)
	if err != nil {
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	if m == nil || !dir.Valid() || (dir == store.Reverse && !m.Bidirectional) {
		return nil, ErrMappingNotFound
	}
	return m, nil
}

func (e *Engine) fetchHistory(ctx context.Context, client chat.Client, m *store.Mapping, dir store.Direction, cursorTs int64, limit int) ([]chat.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	from, _ := m.Endpoints(dir)
	window := max(e.cfg.HistoryWindow, limit+1)
	history, err := client.History(ctx, from, window)
	if err != nil {
		return nil, fmt.Errorf("fetch history of %s: %w", from, err)
	}

	account := client.AccountID()
	msgs := make([]chat.Message, 0, len(history))
	for _, msg := range history {
		if msg.FromMe || (account != "" && msg.SenderID == account) {
			continue
		}
		if msg.Timestamp <= cursorTs {
			continue
		}
		msgs = append(msgs, msg)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
	return msgs, nil
}

// pageOf returns the first limit messages newer than cursorTs and whether
// more remain.
func pageOf(msgs []chat.Message, cursorTs int64, limit int) ([]Message, bool) {
	out := make([]Message, 0, min(limit, len(msgs)))
	remaining := 0
	for _, m := range msgs {
		if m.Timestamp <= cursorTs {
			continue
		}
		if len(out) == limit {
			remaining++
			break
		}
		out = append(out, Message{
			ID:          m.ID,
			Timestamp:   m.Timestamp,
			SenderName:  m.SenderName,
			SenderPhone: m.SenderPhone,
			Body:        m.Body,
			HasMedia:    m.HasMedia,
			Type:        m.Type,
		})
	}
	return out, remaining > 0
}

func selectIDs(msgs []chat.Message, ids []string) []chat.Message {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []chat.Message
	for _, m := range msgs {
		if _, ok := want[m.ID]; ok {
			out = append(out, m)
		}
	}
	return out
}
