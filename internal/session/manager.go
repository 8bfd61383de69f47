// Package session stores the documents a planning session owns: its task
// graph, its hearing notes and its schema metadata.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskgraph/internal/kv"
	"github.com/Kocoro-lab/taskgraph/internal/metrics"
	"github.com/Kocoro-lab/taskgraph/internal/tasks"
)

// Manager reads and writes session documents through a kv.Store. Every
// write replaces a whole document with a single Set.
type Manager struct {
	store  kv.Store
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a session manager. prefix, when set, is prepended to
// every key as "<prefix>:".
func NewManager(store kv.Store, prefix string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		prefix: prefix,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Keys returns the store keys for sessionID
func (m *Manager) Keys(sessionID string) Keys {
	return Keys{
		Notes:   m.key(NotesNamespace, sessionID),
		Schemas: m.key(SchemasNamespace, sessionID),
		Graph:   m.key(GraphNamespace, sessionID),
	}
}

// LoadGraph returns the persisted task graph. A session without a graph
// yields an empty graph and found=false.
func (m *Manager) LoadGraph(ctx context.Context, sessionID string) (g *tasks.Graph, found bool, err error) {
	if err := ValidateID(sessionID); err != nil {
		return nil, false, err
	}

	data, err := m.store.Get(ctx, m.Keys(sessionID).Graph)
	if errors.Is(err, kv.ErrNotFound) {
		return tasks.NewGraph(m.now()), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load task graph: %w", err)
	}

	g, err = tasks.UnmarshalGraph(data)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return g, true, nil
}

// SaveGraph persists the whole graph in one write
func (m *Manager) SaveGraph(ctx context.Context, sessionID string, g *tasks.Graph) error {
	if err := ValidateID(sessionID); err != nil {
		return err
	}

	data, err := g.Marshal()
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, m.Keys(sessionID).Graph, data); err != nil {
		return fmt.Errorf("failed to save task graph: %w", err)
	}

	m.logger.Debug("Saved task graph",
		zap.String("session_id", sessionID),
		zap.Int("nodes", g.Len()),
	)
	return nil
}

// GetHearingNotes returns the session's hearing notes, or ErrNotFound
func (m *Manager) GetHearingNotes(ctx context.Context, sessionID string) (*tasks.HearingNotes, error) {
	var notes tasks.HearingNotes
	if err := m.getDocument(ctx, sessionID, m.Keys(sessionID).Notes, &notes); err != nil {
		return nil, err
	}
	return &notes, nil
}

// SaveHearingNotes replaces the hearing notes, keeping the first creation time
func (m *Manager) SaveHearingNotes(ctx context.Context, sessionID, content string) (*tasks.HearingNotes, error) {
	now := m.now()
	notes := &tasks.HearingNotes{SessionID: sessionID, Content: content, CreatedAt: now, UpdatedAt: now}

	existing, err := m.GetHearingNotes(ctx, sessionID)
	switch {
	case err == nil:
		notes.CreatedAt = existing.CreatedAt
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if err := m.setDocument(ctx, m.Keys(sessionID).Notes, notes); err != nil {
		return nil, err
	}
	m.logger.Info("Saved hearing notes", zap.String("session_id", sessionID), zap.Int("length", len(content)))
	return notes, nil
}

// GetSchemas returns the session's schema metadata, or ErrNotFound
func (m *Manager) GetSchemas(ctx context.Context, sessionID string) (*tasks.Schemas, error) {
	var schemas tasks.Schemas
	if err := m.getDocument(ctx, sessionID, m.Keys(sessionID).Schemas, &schemas); err != nil {
		return nil, err
	}
	return &schemas, nil
}

// SaveSchemas replaces the schema metadata, keeping the first creation time
func (m *Manager) SaveSchemas(ctx context.Context, sessionID string, schemas *tasks.Schemas) (*tasks.Schemas, error) {
	if schemas == nil {
		schemas = &tasks.Schemas{}
	}
	now := m.now()
	doc := *schemas
	doc.CreatedAt = now
	doc.UpdatedAt = now

	existing, err := m.GetSchemas(ctx, sessionID)
	switch {
	case err == nil:
		doc.CreatedAt = existing.CreatedAt
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if err := m.setDocument(ctx, m.Keys(sessionID).Schemas, &doc); err != nil {
		return nil, err
	}
	m.logger.Info("Saved task schemas", zap.String("session_id", sessionID))
	return &doc, nil
}

// DeleteSession removes the graph, notes and schemas of a session in one
// store call. Deleting an unknown session is not an error.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ValidateID(sessionID); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, m.Keys(sessionID).All()...); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	metrics.SessionsDeleted.Inc()
	m.logger.Info("Deleted session", zap.String("session_id", sessionID))
	return nil
}

func (m *Manager) key(namespace, sessionID string) string {
	if m.prefix == "" {
		return namespace + ":" + sessionID
	}
	return m.prefix + ":" + namespace + ":" + sessionID
}

func (m *Manager) getDocument(ctx context.Context, sessionID, key string, out interface{}) error {
	if err := ValidateID(sessionID); err != nil {
		return err
	}

	data, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDocument, key, err)
	}
	return nil
}

func (m *Manager) setDocument(ctx context.Context, key string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := m.store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}
