package session

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"cassandra/api/internal/canvas"
)

const (
	defaultSessionName = "New Session"
	untitledName       = "Untitled Session"

	rootNodeX = 250
	rootNodeY = 100
)

// Manager binds the live graph to the session store. Every graph mutation
// schedules a debounced save of the active session, so rapid streaming
// updates coalesce into one write instead of hammering Redis per chunk.
type Manager struct {
	store    Store
	graph    *canvas.Graph
	debounce time.Duration
	now      func() time.Time
	newID    func() string

	mu      sync.Mutex
	active  Session // metadata only; Nodes/Edges live in the graph
	timer   *time.Timer
	pending bool
}

// NewManager wires a manager over the store and graph. It installs itself
// as the graph's change hook.
func NewManager(store Store, graph *canvas.Graph, debounce time.Duration, newID func() string) *Manager {
	m := &Manager{
		store:    store,
		graph:    graph,
		debounce: debounce,
		now:      time.Now,
		newID:    newID,
	}
	graph.SetOnChange(func(nodes []canvas.Node, edges []canvas.Edge) {
		m.scheduleSave()
	})
	return m
}

// Bootstrap restores the active session on startup: the recorded active
// pointer if it still resolves, otherwise the most recently created
// session, otherwise a fresh one.
func (m *Manager) Bootstrap(ctx context.Context) error {
	activeID, err := m.store.Active(ctx)
	if err != nil {
		return err
	}
	if activeID != "" {
		sess, err := m.store.Get(ctx, activeID)
		if err == nil {
			m.activate(sess)
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		log.Printf("session: active pointer %s is dangling, falling back", activeID)
	}

	sessions, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	if len(sessions) > 0 {
		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].CreatedAt > sessions[j].CreatedAt
		})
		if err := m.store.SetActive(ctx, sessions[0].ID); err != nil {
			return err
		}
		m.activate(sessions[0])
		return nil
	}

	_, err = m.NewSession(ctx)
	return err
}

// NewSession flushes the current session, then creates and activates a
// fresh one holding a single empty root node.
func (m *Manager) NewSession(ctx context.Context) (Session, error) {
	if err := m.Flush(ctx); err != nil {
		return Session{}, err
	}

	sess := Session{
		ID:        m.newID(),
		Name:      defaultSessionName,
		CreatedAt: m.now().UnixMilli(),
		Nodes: []canvas.Node{{
			ID:       m.newID(),
			Position: canvas.Position{X: rootNodeX, Y: rootNodeY},
		}},
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return Session{}, err
	}
	if err := m.store.SetActive(ctx, sess.ID); err != nil {
		return Session{}, err
	}
	m.activate(sess)
	return sess, nil
}

// LoadSession flushes the current session and switches the graph to the
// named one. An unknown id leaves the active session untouched and returns
// ErrNotFound.
func (m *Manager) LoadSession(ctx context.Context, id string) (Session, error) {
	if err := m.Flush(ctx); err != nil {
		return Session{}, err
	}
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Printf("session: load of unknown session %s ignored", id)
		}
		return Session{}, err
	}
	if err := m.store.SetActive(ctx, sess.ID); err != nil {
		return Session{}, err
	}
	m.activate(sess)
	return sess, nil
}

// DeleteSession removes a session. Deleting the active one promotes the
// most recently created survivor, or creates a fresh session when none
// remain, so the active pointer never dangles.
func (m *Manager) DeleteSession(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	isActive := m.active.ID == id
	m.mu.Unlock()

	if err := m.store.Delete(ctx, id); err != nil {
		return Session{}, err
	}
	if !isActive {
		m.mu.Lock()
		active := m.active
		m.mu.Unlock()
		return active, nil
	}

	// Drop any pending save before switching away; a flush after this
	// point must not write the deleted session back to the store.
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.pending = false
	m.active = Session{}
	m.mu.Unlock()

	survivors, err := m.store.List(ctx)
	if err != nil {
		return Session{}, err
	}
	if len(survivors) == 0 {
		return m.NewSession(ctx)
	}
	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].CreatedAt > survivors[j].CreatedAt
	})
	next := survivors[0]
	if err := m.store.SetActive(ctx, next.ID); err != nil {
		return Session{}, err
	}
	m.activate(next)
	return next, nil
}

// RenameSession sets a session's name and pins it against auto-naming.
func (m *Manager) RenameSession(ctx context.Context, id, name string) (Session, error) {
	m.mu.Lock()
	if m.active.ID == id {
		m.active.Name = name
		m.active.Renamed = true
		// The rename alone dirties the session; without this a flush
		// with no graph changes would skip the write.
		m.pending = true
		m.mu.Unlock()
		if err := m.Flush(ctx); err != nil {
			return Session{}, err
		}
		return m.snapshot(), nil
	}
	m.mu.Unlock()

	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	sess.Name = name
	sess.Renamed = true
	if err := m.store.Save(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// ForkSession deep-copies a session into a new one and activates the copy.
func (m *Manager) ForkSession(ctx context.Context, id string) (Session, error) {
	if err := m.Flush(ctx); err != nil {
		return Session{}, err
	}
	source, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}

	fork := source.Clone()
	fork.ID = m.newID()
	fork.CreatedAt = m.now().UnixMilli()
	fork.Name = source.Name + " (copy)"
	fork.Renamed = true
	if err := m.store.Save(ctx, fork); err != nil {
		return Session{}, err
	}
	if err := m.store.SetActive(ctx, fork.ID); err != nil {
		return Session{}, err
	}
	m.activate(fork)
	return fork, nil
}

// Peek returns a stored session without activating it. The active session
// is flushed first so peeking at it reflects the live graph.
func (m *Manager) Peek(ctx context.Context, id string) (Session, error) {
	if err := m.Flush(ctx); err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	activeID := m.active.ID
	m.mu.Unlock()
	if id == activeID {
		return m.snapshot(), nil
	}
	return m.store.Get(ctx, id)
}

// Sessions lists all saved sessions, newest first. The active session is
// flushed first so the listing reflects its latest contents.
func (m *Manager) Sessions(ctx context.Context) ([]Session, error) {
	if err := m.Flush(ctx); err != nil {
		return nil, err
	}
	sessions, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt > sessions[j].CreatedAt
	})
	return sessions, nil
}

// Active returns the active session's id.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.ID
}

// ActiveSession returns the active session with the graph's current
// contents.
func (m *Manager) ActiveSession() Session {
	return m.snapshot()
}

// Flush writes any pending graph state to the store immediately.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	dirty := m.pending
	m.pending = false
	m.mu.Unlock()
	if !dirty {
		return nil
	}
	return m.persist(ctx)
}

// Close flushes pending state. The store is closed by its owner.
func (m *Manager) Close(ctx context.Context) error {
	return m.Flush(ctx)
}

// activate swaps the graph contents and active metadata in one step.
func (m *Manager) activate(sess Session) {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.pending = false
	m.active = Session{ID: sess.ID, Name: sess.Name, CreatedAt: sess.CreatedAt, Renamed: sess.Renamed}
	m.mu.Unlock()
	m.graph.Reset(sess.Nodes, sess.Edges)
}

func (m *Manager) scheduleSave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = true
	if m.timer == nil {
		m.timer = time.AfterFunc(m.debounce, m.flushTimer)
		return
	}
	m.timer.Reset(m.debounce)
}

func (m *Manager) flushTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Flush(ctx); err != nil {
		log.Printf("session: debounced save failed: %v", err)
	}
}

// persist snapshots the graph into the active session and saves it,
// deriving the name from the first root pitch unless the user renamed it.
func (m *Manager) persist(ctx context.Context) error {
	nodes, edges := m.graph.Snapshot()

	m.mu.Lock()
	sess := m.active
	if !sess.Renamed {
		sess.Name = autoName(nodes)
		m.active.Name = sess.Name
	}
	m.mu.Unlock()

	if sess.ID == "" {
		return nil
	}
	sess.Nodes = nodes
	sess.Edges = edges
	return m.store.Save(ctx, sess)
}

// snapshot returns the active session hydrated with the live graph.
func (m *Manager) snapshot() Session {
	nodes, edges := m.graph.Snapshot()
	m.mu.Lock()
	sess := m.active
	if !sess.Renamed {
		sess.Name = autoName(nodes)
	}
	m.mu.Unlock()
	sess.Nodes = nodes
	sess.Edges = edges
	return sess
}

// autoName derives a display name from the first root node's pitch.
func autoName(nodes []canvas.Node) string {
	for _, n := range nodes {
		if n.ParentID != "" {
			continue
		}
		pitch := strings.TrimSpace(n.Pitch)
		if pitch == "" {
			continue
		}
		runes := []rune(pitch)
		if len(runes) > 40 {
			return string(runes[:40])
		}
		return pitch
	}
	return untitledName
}
