package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/geminilive/internal/live"
	"github.com/ent0n29/geminilive/internal/voice"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// End reasons recorded on ended sessions.
const (
	EndReasonClient   = "client_end"
	EndReasonExpired  = "inactive"
	EndReasonReplaced = "replaced"
	EndReasonShutdown = "shutdown"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session ended")
)

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	EndReason      string    `json:"end_reason,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Runtime is the live machinery behind a session. Bridge is nil when the
// session uses simulated speech ports.
type Runtime struct {
	Controller *live.Controller
	Bridge     *voice.RemoteBridge
}

// Factory builds the runtime of a new session.
type Factory func(sessionID string) (Runtime, error)

type entry struct {
	info        Session
	rt          Runtime
	unsubscribe func()
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	sessionByUser     map[string]string
	inactivityTimeout time.Duration
	factory           Factory
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration, factory Factory) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 5 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		sessionByUser:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		factory:           factory,
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create starts a new session. A user holds at most one active session; an
// older one is ended.
func (m *Manager) Create(userID string) (*Session, error) {
	id := uuid.NewString()
	rt, err := m.factory(id)
	if err != nil {
		return nil, fmt.Errorf("build session runtime: %w", err)
	}
	now := time.Now().UTC()
	e := &entry{
		info: Session{
			ID:             id,
			UserID:         userID,
			Status:         StatusActive,
			StartedAt:      now,
			LastActivityAt: now,
		},
		rt: rt,
	}
	// A session is also ended when its controller closes itself, e.g. on a
	// client "end" control message.
	e.unsubscribe = rt.Controller.Subscribe(func(n live.Notification) {
		if n.Kind != live.NotifyState {
			return
		}
		if n.State.Is(live.StateClosed) {
			_, _ = m.End(id, EndReasonClient)
			return
		}
		_ = m.Touch(id)
	})

	m.mu.Lock()
	previous := ""
	if userID != "" {
		previous = m.sessionByUser[userID]
		m.sessionByUser[userID] = id
	}
	m.sessions[id] = e
	created := e.info
	m.mu.Unlock()

	if previous != "" {
		_, _ = m.End(previous, EndReasonReplaced)
	}
	return &created, nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	c := e.info
	return &c, nil
}

// Runtime returns the live runtime of an active session.
func (m *Manager) Runtime(sessionID string) (Runtime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return Runtime{}, ErrNotFound
	}
	if e.info.Status != StatusActive {
		return Runtime{}, ErrEnded
	}
	return e.rt, nil
}

func (m *Manager) Snapshot(sessionID string) (*Snapshot, error) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	var (
		info Session
		ctrl *live.Controller
	)
	if ok {
		info, ctrl = e.info, e.rt.Controller
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	state := ctrl.State()
	return &Snapshot{
		Session:     info,
		State:       string(state.Kind),
		StateReason: state.Reason,
		Messages:    ctrl.Messages(),
	}, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if e.info.Status == StatusActive {
		e.info.LastActivityAt = time.Now().UTC()
	}
	return nil
}

// End marks the session ended and tears its controller down. Ending an
// ended session returns it unchanged.
func (m *Manager) End(sessionID, reason string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.info.Status == StatusEnded {
		c := e.info
		m.mu.Unlock()
		return &c, nil
	}
	m.markEndedLocked(e, reason, time.Now().UTC())
	c := e.info
	m.mu.Unlock()

	m.teardown(e)
	return &c, nil
}

func (m *Manager) markEndedLocked(e *entry, reason string, now time.Time) {
	e.info.Status = StatusEnded
	e.info.EndReason = reason
	e.info.LastActivityAt = now
	if e.info.UserID != "" && m.sessionByUser[e.info.UserID] == e.info.ID {
		delete(m.sessionByUser, e.info.UserID)
	}
}

func (m *Manager) teardown(e *entry) {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	_ = e.rt.Controller.End()
}

// EndAll ends every active session.
func (m *Manager) EndAll(reason string) {
	m.mu.Lock()
	now := time.Now().UTC()
	var ended []*entry
	for _, e := range m.sessions {
		if e.info.Status != StatusActive {
			continue
		}
		m.markEndedLocked(e, reason, now)
		ended = append(ended, e)
	}
	m.mu.Unlock()

	for _, e := range ended {
		m.teardown(e)
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.info.Status == StatusActive {
			count++
		}
	}
	return count
}

// expireInactive ends idle sessions and forgets sessions that have been
// ended for longer than the inactivity timeout.
func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var (
		expired []*entry
		infos   []Session
	)

	m.mu.Lock()
	for id, e := range m.sessions {
		idle := now.Sub(e.info.LastActivityAt)
		if e.info.Status == StatusEnded {
			if idle >= m.inactivityTimeout {
				delete(m.sessions, id)
			}
			continue
		}
		if idle < m.inactivityTimeout {
			continue
		}
		m.markEndedLocked(e, EndReasonExpired, now)
		expired = append(expired, e)
		infos = append(infos, e.info)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for i, e := range expired {
		m.teardown(e)
		if hook != nil {
			hook(&infos[i])
		}
	}
}
