// Package connection owns the chat client handle and drives the connection
// state machine from the client's lifecycle events.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/chat"
	"github.com/matheus3301/wabridge/internal/identity"
	"github.com/matheus3301/wabridge/internal/lock"
	"github.com/matheus3301/wabridge/internal/status"
	"github.com/matheus3301/wabridge/internal/store"
)

// ErrNoClient is returned by operations that need a live chat client.
var ErrNoClient = errors.New("chat client not initialized")

// Factory opens a new chat client. It returns a *lock.HeldError when the
// client's lock is taken.
type Factory func(ctx context.Context) (chat.Client, error)

// Config tunes the manager.
type Config struct {
	AutoReconnect  bool
	ReconnectDelay time.Duration
	// LockPath is the client lock cleared on restart.
	LockPath string
	// CallTimeout bounds client calls made while handling events.
	CallTimeout time.Duration
}

// Manager owns the single chat client.
type Manager struct {
	factory  Factory
	status   *status.Machine
	db       *store.DB
	bus      *bus.Bus
	identity *identity.Detector
	cfg      Config
	logger   *zap.Logger

	init singleflight.Group

	mu         sync.RWMutex
	client     chat.Client
	groups     []store.Group
	resetHooks []func()
	reconnect  *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(factory Factory, st *status.Machine, db *store.DB, b *bus.Bus, id *identity.Detector, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Manager{
		factory:  factory,
		status:   st,
		db:       db,
		bus:      b,
		identity: id,
		cfg:      cfg,
		logger:   logger,
		ctx:      context.Background(),
	}
}

// OnReset registers fn to run when Restart clears in-memory state.
func (m *Manager) OnReset(fn func()) {
	m.mu.Lock()
	m.resetHooks = append(m.resetHooks, fn)
	m.mu.Unlock()
}

// Client returns the current chat client, or nil.
func (m *Manager) Client() chat.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Start begins consuming lifecycle events.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	ch, unsub := m.bus.Subscribe("chat.", 64)

	go func() {
		defer close(m.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				m.handleEvent(evt)
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// Stop stops event handling and closes the client.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.stopReconnect()
	m.teardown()
	m.status.Disconnect()
}

// Initialize opens and connects the chat client. It is a no-op while a client
// exists, and concurrent calls share one attempt.
func (m *Manager) Initialize(ctx context.Context) error {
	_, err, _ := m.init.Do("init", func() (any, error) {
		if m.Client() != nil {
			return nil, nil
		}

		client, err := m.open(ctx)
		if err != nil {
			m.logger.Error("chat client initialization failed", zap.Error(err))
			return nil, err
		}

		m.mu.Lock()
		m.client = client
		m.mu.Unlock()

		if err := client.Connect(ctx); err != nil {
			m.teardown()
			m.logger.Error("chat client connect failed", zap.Error(err))
			return nil, fmt.Errorf("connect: %w", err)
		}
		m.logger.Info("chat client initialized")
		return nil, nil
	})
	return err
}

func (m *Manager) open(ctx context.Context) (chat.Client, error) {
	client, err := m.factory(ctx)
	if err == nil {
		return client, nil
	}

	var held *lock.HeldError
	if !errors.As(err, &held) {
		return nil, fmt.Errorf("open chat client: %w", err)
	}
	m.logger.Warn("chat client lock held, clearing stale lock", zap.String("path", held.Path), zap.Int("pid", held.PID))
	if err := lock.ClearStale(held.Path); err != nil {
		return nil, fmt.Errorf("clear stale lock: %w", err)
	}

	client, err = m.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("open chat client after clearing stale lock: %w", err)
	}
	return client, nil
}

// Restart tears the client down, clears all in-memory state and initializes again.
func (m *Manager) Restart(ctx context.Context) error {
	m.logger.Info("restarting chat client")
	m.stopReconnect()
	m.teardown()
	m.status.Reset()

	m.mu.RLock()
	hooks := append([]func(){}, m.resetHooks...)
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}

	if m.cfg.LockPath != "" {
		if err := lock.ClearStale(m.cfg.LockPath); err != nil {
			m.logger.Warn("failed to clear client lock", zap.Error(err))
		}
	}
	return m.Initialize(ctx)
}

// Logout unlinks the device and tears the client down.
func (m *Manager) Logout(ctx context.Context) error {
	client := m.Client()
	if client == nil {
		return ErrNoClient
	}
	m.stopReconnect()
	if err := client.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	m.teardown()
	m.status.Disconnect()
	m.logger.Info("logged out")
	return nil
}

// RefreshGroups replaces the group cache with the joined groups.
func (m *Manager) RefreshGroups(ctx context.Context) ([]store.Group, error) {
	client := m.Client()
	if client == nil {
		return nil, ErrNoClient
	}
	joined, err := client.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	now := time.Now().UnixMilli()
	groups := make([]store.Group, 0, len(joined))
	for _, g := range joined {
		groups = append(groups, store.Group{ID: g.ID, Name: g.Name, ParticipantCount: g.ParticipantCount, UpdatedAt: now})
	}
	if err := m.db.ReplaceGroups(groups); err != nil {
		return nil, fmt.Errorf("replace groups: %w", err)
	}

	m.mu.Lock()
	m.groups = groups
	m.mu.Unlock()

	m.logger.Info("groups refreshed", zap.Int("count", len(groups)))
	m.bus.Publish(bus.NewEvent(bus.KindGroupsRefresh, len(groups)))
	return groups, nil
}

// ClearGroups drops the in-memory group cache so Groups reads the store again.
func (m *Manager) ClearGroups() {
	m.mu.Lock()
	m.groups = nil
	m.mu.Unlock()
}

// Groups returns the cached groups, loading them from the store when the
// in-memory copy is empty.
func (m *Manager) Groups() ([]store.Group, error) {
	m.mu.RLock()
	groups := m.groups
	m.mu.RUnlock()
	if groups != nil {
		return append([]store.Group(nil), groups...), nil
	}
	return m.db.ListGroups()
}

func (m *Manager) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindPairing:
		p, _ := evt.Payload.(chat.PairingChallenge)
		if err := m.status.Pairing(p.Code); err != nil {
			m.logger.Warn("ignoring pairing challenge", zap.Error(err))
		}
	case bus.KindAuthenticated:
		if err := m.status.Authenticated(); err != nil {
			m.logger.Warn("ignoring authenticated event", zap.Error(err))
		}
	case bus.KindReady:
		m.onReady()
	case bus.KindDisconnected:
		d, _ := evt.Payload.(chat.Disconnect)
		m.onDisconnected(d)
	}
}

func (m *Manager) onReady() {
	client := m.Client()
	if client == nil {
		return
	}
	accountID := client.AccountID()
	if err := m.status.MarkReady(accountID); err != nil {
		m.logger.Warn("ignoring ready event", zap.Error(err))
		return
	}
	m.logger.Info("chat client ready", zap.String("account", accountID))

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CallTimeout)
	defer cancel()
	if _, err := m.RefreshGroups(ctx); err != nil {
		m.logger.Warn("group refresh failed", zap.Error(err))
	}
	if m.identity != nil {
		if _, err := m.identity.Check(accountID); err != nil {
			m.logger.Error("identity check failed", zap.Error(err))
		}
	}
}

func (m *Manager) onDisconnected(d chat.Disconnect) {
	// A client we tore down ourselves has already been dropped.
	hadClient := m.teardown()
	m.status.Disconnect()
	m.logger.Warn("chat client disconnected", zap.String("reason", d.Reason), zap.Bool("logged_out", d.LoggedOut))

	if hadClient && !d.LoggedOut && m.cfg.AutoReconnect {
		m.scheduleReconnect()
	}
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnect != nil {
		m.reconnect.Stop()
	}
	ctx := m.ctx
	m.reconnect = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		if ctx.Err() != nil {
			return
		}
		m.logger.Info("reconnecting chat client")
		if err := m.Initialize(ctx); err != nil {
			m.logger.Error("reconnect failed", zap.Error(err))
			m.scheduleReconnect()
		}
	})
}

func (m *Manager) stopReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// teardown drops and closes the client and clears the in-memory group cache.
// It reports whether there was a client.
func (m *Manager) teardown() bool {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.groups = nil
	m.mu.Unlock()

	if client == nil {
		return false
	}
	if err := client.Close(); err != nil {
		m.logger.Warn("chat client close failed", zap.Error(err))
	}
	return true
}
