package session

import (
	"errors"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/Kocoro-lab/taskgraph/internal/kv"
)

var (
	// ErrNotFound is returned when a session document doesn't exist
	ErrNotFound = kv.ErrNotFound

	// ErrInvalidSessionID is returned for empty or malformed session ids
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrInvalidDocument is returned when a stored document cannot be decoded
	ErrInvalidDocument = errors.New("invalid session document")
)

// Key namespaces. Each session owns exactly one key in each.
const (
	NotesNamespace   = "hearing"
	SchemasNamespace = "task_schemas"
	GraphNamespace   = "tasks"
)

// Keys are the store keys owned by one session
type Keys struct {
	Notes   string
	Schemas string
	Graph   string
}

// All returns every key of the session
func (k Keys) All() []string {
	return []string{k.Notes, k.Schemas, k.Graph}
}

// NewSessionID returns a fresh random session id
func NewSessionID() string {
	return uuid.New().String()
}

// ValidateID rejects ids that are empty or contain whitespace or control characters
func ValidateID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSessionID
	}
	if strings.IndexFunc(sessionID, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return ErrInvalidSessionID
	}
	return nil
}
