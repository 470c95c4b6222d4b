// Package datastore defines the contract the coordinator consumes from the
// backend configuration-store engine: a connection that opens per-client
// store sessions against a named datastore, with transactional document
// access and idempotent close.
package datastore

import (
	"context"
	"errors"
)

// Name identifies a configuration datastore.
type Name string

// Well-known datastores.
const (
	Running   Name = "running"
	Startup   Name = "startup"
	Candidate Name = "candidate"
)

var (
	// ErrUnavailable indicates the backend could not open or serve a store
	// session (connection lost, unknown datastore, engine shut down). The
	// coordinator discards the affected transport session and keeps running.
	ErrUnavailable = errors.New("datastore: backend unavailable")
	// ErrConflict indicates a replace raced with a newer revision.
	ErrConflict = errors.New("datastore: revision conflict")
)

// Document is one datastore's configuration tree as a YAML-style mapping.
type Document map[string]any

// Clone returns a shallow-copied document safe for the caller to mutate at
// the top level.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Conn is a live connection to the store engine. Safe for concurrent use;
// the coordinator treats it as read-only shared state after init.
type Conn interface {
	// OpenSession starts a store session for the given client identity bound
	// to one datastore. Returns ErrUnavailable when the session cannot be
	// opened.
	OpenSession(ctx context.Context, identity string, ds Name) (Session, error)
	// Datastores lists the datastores this connection serves.
	Datastores() []Name
	// Close tears the connection down. Sessions opened from it become
	// unusable but their Close remains a no-op.
	Close() error
}

// Session is a per-client view of one datastore.
type Session interface {
	// Token is the engine-assigned session identifier.
	Token() string
	// Identity returns the client identity the session was opened for.
	Identity() string
	// Datastore returns the bound datastore name.
	Datastore() Name
	// Get returns the current document and its revision.
	Get(ctx context.Context) (Document, int64, error)
	// Replace installs doc as the new document content. A zero baseRevision
	// replaces unconditionally; otherwise ErrConflict is returned when the
	// stored revision moved past baseRevision.
	Replace(ctx context.Context, doc Document, baseRevision int64) error
	// Close releases the session. Idempotent: closing twice is a no-op.
	Close() error
}
