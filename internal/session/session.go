// Package session implements the Session Manager: the registry that
// turns a catalog Connection plus resolved credentials into a live
// sshcore.Session, tracks it under a generated session id, and
// broadcasts its lifecycle on the Event Bus.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Ducheved/catsolle/internal/apperr"
	"github.com/Ducheved/catsolle/internal/catalog"
	"github.com/Ducheved/catsolle/internal/config"
	"github.com/Ducheved/catsolle/internal/events"
	"github.com/Ducheved/catsolle/internal/sshcore"
	"github.com/Ducheved/catsolle/internal/vault"
)

var log = logrus.WithField("component", "session")

// Handle is the caller's reference to one live, authenticated SSH
// session: "session handle" in the glossary sense.
type Handle struct {
	ID           uuid.UUID
	ConnectionID uuid.UUID
	Session      *sshcore.Session
	State        events.SessionState
	FailedReason string
}

// Manager owns the process-wide session registry. It is constructed
// and held explicitly by the composition root, never reached via a
// package-level global.
type Manager struct {
	store *catalog.Store
	vault *vault.Vault
	bus   *events.Bus
	cfg   *config.AppConfig

	mu       sync.Mutex
	sessions map[uuid.UUID]*Handle
}

// NewManager wires a Session Manager over an already-open catalog
// Store, Credential Vault, Event Bus, and resolved app configuration.
func NewManager(store *catalog.Store, v *vault.Vault, bus *events.Bus, cfg *config.AppConfig) *Manager {
	return &Manager{
		store:    store,
		vault:    v,
		bus:      bus,
		cfg:      cfg,
		sessions: make(map[uuid.UUID]*Handle),
	}
}

// Connect resolves connectionID's catalog entry, resolves its
// auth_method (and every jump host's) through the Vault, and connects.
// master is only consulted if a secret_ref resolution needs the file
// fallback.
func (m *Manager) Connect(ctx context.Context, connectionID uuid.UUID, master string, kb sshcore.KeyboardInteractiveHandler) (uuid.UUID, error) {
	conn, err := m.store.Get(connectionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("session: %w: load connection: %w", apperr.ErrNotFound, err)
	}

	cfg, err := m.buildSSHConfig(conn, master, kb)
	if err != nil {
		return uuid.Nil, err
	}
	return m.connectWithConfig(ctx, connectionID, cfg)
}

// ConnectWithPassword connects using a password supplied at connect
// time rather than one resolved from the catalog's auth_method,
// optionally persisting it to the Vault first (save=true mirrors the
// original's "remember password" checkbox).
func (m *Manager) ConnectWithPassword(ctx context.Context, connectionID uuid.UUID, password string, save bool, master string) (uuid.UUID, error) {
	conn, err := m.store.Get(connectionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("session: %w: load connection: %w", apperr.ErrNotFound, err)
	}

	if save {
		if err := m.SetConnectionPassword(connectionID, password, master); err != nil {
			return uuid.Nil, err
		}
		conn, err = m.store.Get(connectionID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("session: %w: reload connection: %w", apperr.ErrNotFound, err)
		}
	}

	auth := sshcore.AuthMethod{Kind: sshcore.AuthPassword, Password: password}
	cfg, err := m.buildSSHConfigWithAuth(conn, auth, master, nil)
	if err != nil {
		return uuid.Nil, err
	}
	return m.connectWithConfig(ctx, connectionID, cfg)
}

// SetConnectionPassword stores password under the connection's
// existing secret_ref (or a freshly minted "conn:{id}:password" ref)
// and updates the catalog entry's auth_method to point at it.
func (m *Manager) SetConnectionPassword(connectionID uuid.UUID, password string, master string) error {
	conn, err := m.store.Get(connectionID)
	if err != nil {
		return fmt.Errorf("session: %w: load connection: %w", apperr.ErrNotFound, err)
	}

	secretRef := conn.AuthMethod.SecretRef
	if secretRef == "" {
		secretRef = fmt.Sprintf("conn:%s:password", connectionID)
	}
	if err := m.vault.Store(secretRef, password, master); err != nil {
		return fmt.Errorf("session: store password: %w", err)
	}

	conn.AuthMethod = catalog.AuthMethod{Kind: catalog.AuthPassword, SecretRef: secretRef}
	conn.UpdatedAt = time.Now()
	if err := m.store.Update(conn); err != nil {
		return fmt.Errorf("session: %w: persist auth_method: %w", apperr.ErrDatabase, err)
	}
	return nil
}

// connectWithConfig is the shared tail of Connect/ConnectWithPassword:
// generate a session id, emit Connecting, dial, and on success register
// the handle and emit Connected. A dial failure surfaces the error
// directly and emits neither Connected nor Disconnected.
func (m *Manager) connectWithConfig(ctx context.Context, connectionID uuid.UUID, cfg sshcore.ConnectConfig) (uuid.UUID, error) {
	sessionID := uuid.New()
	m.bus.Send(events.SessionStateChanged(sessionID, events.StateConnecting, ""))

	sshSession, err := sshcore.Connect(ctx, cfg)
	if err != nil {
		return uuid.Nil, err
	}

	sshSession.SendStartupCommands()

	handle := &Handle{
		ID:           sessionID,
		ConnectionID: connectionID,
		Session:      sshSession,
		State:        events.StateConnected,
	}

	m.mu.Lock()
	m.sessions[sessionID] = handle
	m.mu.Unlock()

	m.bus.Send(events.SessionStateChanged(sessionID, events.StateConnected, ""))

	go m.touchLastConnected(connectionID)

	return sessionID, nil
}

// touchLastConnected best-effort updates the catalog's
// last_connected_at; a failure here never affects the live session.
func (m *Manager) touchLastConnected(connectionID uuid.UUID) {
	if err := m.store.TouchLastConnected(connectionID, time.Now()); err != nil {
		log.WithError(err).WithField("connection_id", connectionID).Debug("failed to record last_connected_at")
	}
}

// Disconnect tears down sessionID's transport and removes it from the
// registry, emitting Disconnected.
func (m *Manager) Disconnect(sessionID uuid.UUID) error {
	m.mu.Lock()
	handle, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return apperr.ErrSessionNotFound
	}

	err := handle.Session.Disconnect()
	m.bus.Send(events.SessionStateChanged(sessionID, events.StateDisconnected, ""))
	return err
}

// GetSession returns the handle for a registered session id.
func (m *Manager) GetSession(sessionID uuid.UUID) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperr.ErrSessionNotFound
	}
	return handle, nil
}

// ListSessions returns a snapshot of every currently registered session.
func (m *Manager) ListSessions() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		out = append(out, *h)
	}
	return out
}

// SFTPSession satisfies transfer.SessionProvider, letting the Transfer
// Queue resolve a remote endpoint's session id without this package
// importing internal/transfer.
func (m *Manager) SFTPSession(sessionID uuid.UUID) (*sshcore.Session, error) {
	handle, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return handle.Session, nil
}
