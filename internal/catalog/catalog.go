// Package catalog implements the Connection Catalog: a durable,
// embedded-SQL store of named SSH endpoints, their jump chains,
// proxies, and connection history.
//
// Schema, JSON-column layout, and import-dedup semantics are ported
// from the original Rust connection store (catsolle-core::connection).
package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pocketbase/dbx"
	_ "modernc.org/sqlite"

	"github.com/Ducheved/catsolle/internal/apperr"
)

// AuthKind discriminates the tagged AuthMethod variant.
type AuthKind string

const (
	AuthPassword            AuthKind = "password"
	AuthKey                 AuthKind = "key"
	AuthAgent               AuthKind = "agent"
	AuthKeyboardInteractive AuthKind = "keyboard-interactive"
	AuthCertificate         AuthKind = "certificate"
)

// AuthMethod is the persisted (catalog) form of an auth choice: any
// credential is an opaque secret_ref/passphrase_ref into the Vault,
// never a plaintext value.
type AuthMethod struct {
	Kind             AuthKind `json:"kind"`
	SecretRef        string   `json:"secret_ref,omitempty"`
	PrivateKeyPath   string   `json:"private_key_path,omitempty"`
	PassphraseRef    string   `json:"passphrase_ref,omitempty"`
	CertPath         string   `json:"cert_path,omitempty"`
}

type JumpHost struct {
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	Username   string     `json:"username"`
	AuthMethod AuthMethod `json:"auth_method"`
}

type ProxyType string

const (
	ProxySocks5      ProxyType = "socks5"
	ProxyHTTPConnect ProxyType = "http_connect"
)

type ProxyConfig struct {
	ProxyType  ProxyType `json:"proxy_type"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Username   string    `json:"username,omitempty"`
	PasswordRef string   `json:"password_ref,omitempty"`
}

type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Connection is a persistent catalog entry (spec.md §3).
type Connection struct {
	ID               uuid.UUID
	Name             string
	Host             string
	Port             int
	Username         string
	AuthMethod       AuthMethod
	JumpHosts        []JumpHost
	Proxy            *ProxyConfig
	StartupCommands  []string
	EnvVars          []EnvVar
	GroupID          *uuid.UUID
	Tags             []string
	Color            string
	Icon             string
	Notes            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastConnectedAt  *time.Time
	IsFavorite       bool
}

// ConnectionGroup organizes Connections into a tree.
type ConnectionGroup struct {
	ID        uuid.UUID
	Name      string
	ParentID  *uuid.UUID
	SortOrder int64
}

// HistoryEntry records one connect/disconnect cycle for a Connection.
type HistoryEntry struct {
	ID              uuid.UUID
	ConnectionID    uuid.UUID
	ConnectedAt     time.Time
	DisconnectedAt  *time.Time
	DurationSeconds *int64
}

// Bookmark is a saved remote (or local) path associated with a Connection.
type Bookmark struct {
	ID           uuid.UUID
	ConnectionID *uuid.UUID
	Path         string
	Name         string
	IsLocal      bool
	CreatedAt    time.Time
}

// Store is the durable catalog backed by SQLite via dbx.
type Store struct {
	db *dbx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	host TEXT NOT NULL,
	port INTEGER NOT NULL DEFAULT 22,
	username TEXT NOT NULL,
	auth_method TEXT NOT NULL,
	auth_data TEXT NOT NULL,
	jump_hosts TEXT,
	proxy TEXT,
	startup_commands TEXT,
	env_vars TEXT,
	group_id TEXT,
	tags TEXT,
	color TEXT,
	icon TEXT,
	notes TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	last_connected_at TEXT,
	is_favorite INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS connection_groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	parent_id TEXT,
	sort_order INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS history (
	id TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL,
	connected_at TEXT NOT NULL,
	disconnected_at TEXT,
	duration_seconds INTEGER
);
CREATE TABLE IF NOT EXISTS bookmarks (
	id TEXT PRIMARY KEY,
	connection_id TEXT,
	path TEXT NOT NULL,
	name TEXT NOT NULL,
	is_local INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_group ON connections(group_id);
CREATE INDEX IF NOT EXISTS idx_connections_favorite ON connections(is_favorite);
CREATE INDEX IF NOT EXISTS idx_history_connection ON history(connection_id);
CREATE INDEX IF NOT EXISTS idx_history_date ON history(connected_at);
`

// Open opens (creating if needed) the SQLite catalog at dbPath and
// ensures its schema exists.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("catalog: mkdir: %w", err)
		}
	}
	db, err := dbx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w: %w", apperr.ErrDatabase, err)
	}
	if _, err := db.DB().Exec(schema); err != nil {
		return nil, fmt.Errorf("catalog: %w: init schema: %w", apperr.ErrDatabase, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Create inserts a new Connection.
func (s *Store) Create(c *Connection) error {
	authData, err := json.Marshal(c.AuthMethod)
	if err != nil {
		return fmt.Errorf("catalog: %w: %w", apperr.ErrInvalid, err)
	}
	jumpData, err := json.Marshal(c.JumpHosts)
	if err != nil {
		return fmt.Errorf("catalog: %w: %w", apperr.ErrInvalid, err)
	}
	var proxyData any
	if c.Proxy != nil {
		b, err := json.Marshal(c.Proxy)
		if err != nil {
			return fmt.Errorf("catalog: %w: %w", apperr.ErrInvalid, err)
		}
		proxyData = string(b)
	}
	startupData, err := json.Marshal(c.StartupCommands)
	if err != nil {
		return err
	}
	envData, err := json.Marshal(c.EnvVars)
	if err != nil {
		return err
	}
	tagsData, err := json.Marshal(c.Tags)
	if err != nil {
		return err
	}

	_, err = s.db.DB().Exec(`
		INSERT INTO connections (
			id, name, host, port, username, auth_method, auth_data, jump_hosts, proxy,
			startup_commands, env_vars, group_id, tags, color, icon, notes,
			created_at, updated_at, last_connected_at, is_favorite
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.Name, c.Host, c.Port, c.Username,
		string(c.AuthMethod.Kind), string(authData), string(jumpData), proxyData,
		string(startupData), string(envData), groupIDText(c.GroupID), string(tagsData),
		c.Color, c.Icon, c.Notes,
		c.CreatedAt.Format(time.RFC3339), c.UpdatedAt.Format(time.RFC3339),
		lastConnectedText(c.LastConnectedAt), boolToInt(c.IsFavorite),
	)
	if err != nil {
		return fmt.Errorf("catalog: %w: %w", apperr.ErrDatabase, err)
	}
	return nil
}

// Update overwrites an existing Connection's mutable fields.
func (s *Store) Update(c *Connection) error {
	authData, _ := json.Marshal(c.AuthMethod)
	jumpData, _ := json.Marshal(c.JumpHosts)
	var proxyData any
	if c.Proxy != nil {
		b, _ := json.Marshal(c.Proxy)
		proxyData = string(b)
	}
	startupData, _ := json.Marshal(c.StartupCommands)
	envData, _ := json.Marshal(c.EnvVars)
	tagsData, _ := json.Marshal(c.Tags)

	_, err := s.db.DB().Exec(`
		UPDATE connections SET
			name=?, host=?, port=?, username=?, auth_method=?, auth_data=?, jump_hosts=?, proxy=?,
			startup_commands=?, env_vars=?, group_id=?, tags=?, color=?, icon=?, notes=?,
			updated_at=?, last_connected_at=?, is_favorite=?
		WHERE id=?`,
		c.Name, c.Host, c.Port, c.Username, string(c.AuthMethod.Kind), string(authData),
		string(jumpData), proxyData, string(startupData), string(envData),
		groupIDText(c.GroupID), string(tagsData), c.Color, c.Icon, c.Notes,
		c.UpdatedAt.Format(time.RFC3339), lastConnectedText(c.LastConnectedAt),
		boolToInt(c.IsFavorite), c.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("catalog: %w: %w", apperr.ErrDatabase, err)
	}
	return nil
}

// Delete removes a Connection by id.
func (s *Store) Delete(id uuid.UUID) error {
	_, err := s.db.DB().Exec(`DELETE FROM connections WHERE id=?`, id.String())
	if err != nil {
		return fmt.Errorf("catalog: %w: %w", apperr.ErrDatabase, err)
	}
	return nil
}

// Get retrieves a Connection by id.
func (s *Store) Get(id uuid.UUID) (*Connection, error) {
	row := s.db.DB().QueryRow(`SELECT * FROM connections WHERE id=?`, id.String())
	return scanConnection(row)
}

// List returns every Connection ordered by name.
func (s *Store) List() ([]*Connection, error) {
	rows, err := s.db.DB().Query(`SELECT * FROM connections ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w: %w", apperr.ErrDatabase, err)
	}
	defer rows.Close()
	return scanConnections(rows)
}

// ListRecent returns up to n Connections ordered by last_connected_at descending.
func (s *Store) ListRecent(n int) ([]*Connection, error) {
	rows, err := s.db.DB().Query(`SELECT * FROM connections ORDER BY last_connected_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w: %w", apperr.ErrDatabase, err)
	}
	defer rows.Close()
	return scanConnections(rows)
}

// TouchLastConnected asynchronously-safe helper: sets last_connected_at to now.
func (s *Store) TouchLastConnected(id uuid.UUID, at time.Time) error {
	_, err := s.db.DB().Exec(`UPDATE connections SET last_connected_at=? WHERE id=?`, at.Format(time.RFC3339), id.String())
	if err != nil {
		return fmt.Errorf("catalog: %w: %w", apperr.ErrDatabase, err)
	}
	return nil
}

// RecordHistory appends a history row for a connect/disconnect cycle.
func (s *Store) RecordHistory(h *HistoryEntry) error {
	var disconnectedAt any
	if h.DisconnectedAt != nil {
		disconnectedAt = h.DisconnectedAt.Format(time.RFC3339)
	}
	_, err := s.db.DB().Exec(`
		INSERT INTO history (id, connection_id, connected_at, disconnected_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?)`,
		h.ID.String(), h.ConnectionID.String(), h.ConnectedAt.Format(time.RFC3339),
		disconnectedAt, h.DurationSeconds)
	if err != nil {
		return fmt.Errorf("catalog: %w: %w", apperr.ErrDatabase, err)
	}
	return nil
}

// CreateBookmark persists a saved path against (optionally) a Connection.
func (s *Store) CreateBookmark(b *Bookmark) error {
	var connID any
	if b.ConnectionID != nil {
		connID = b.ConnectionID.String()
	}
	_, err := s.db.DB().Exec(`
		INSERT INTO bookmarks (id, connection_id, path, name, is_local, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID.String(), connID, b.Path, b.Name, boolToInt(b.IsLocal), b.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("catalog: %w: %w", apperr.ErrDatabase, err)
	}
	return nil
}

func groupIDText(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func lastConnectedText(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConnection(row scanner) (*Connection, error) {
	var (
		id, name, host, username, authMethod, authData string
		port                                            int
		jumpHosts, startupCommands, envVars, tags       string
		proxy, groupID, color, icon, notes              sql.NullString
		createdAt, updatedAt                            string
		lastConnectedAt                                 sql.NullString
		isFavorite                                      int
	)
	err := row.Scan(&id, &name, &host, &port, &username, &authMethod, &authData,
		&jumpHosts, &proxy, &startupCommands, &envVars, &groupID, &tags, &color, &icon, &notes,
		&createdAt, &updatedAt, &lastConnectedAt, &isFavorite)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("catalog: %w: %w", apperr.ErrDatabase, err)
	}
	return buildConnection(id, name, host, port, username, authData, jumpHosts, proxy,
		startupCommands, envVars, groupID, tags, color, icon, notes, createdAt, updatedAt,
		lastConnectedAt, isFavorite)
}

func scanConnections(rows *sql.Rows) ([]*Connection, error) {
	var out []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: %w: %w", apperr.ErrDatabase, err)
	}
	return out, nil
}

func buildConnection(id, name, host string, port int, username, authData, jumpHostsJSON string,
	proxy sql.NullString, startupJSON, envJSON string, groupID sql.NullString, tagsJSON string,
	color, icon, notes sql.NullString, createdAt, updatedAt string, lastConnectedAt sql.NullString,
	isFavorite int) (*Connection, error) {

	parsedID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w: bad id: %w", apperr.ErrDatabase, err)
	}

	var auth AuthMethod
	if err := json.Unmarshal([]byte(authData), &auth); err != nil {
		return nil, fmt.Errorf("catalog: %w: bad auth_data: %w", apperr.ErrDatabase, err)
	}
	var jumpHosts []JumpHost
	if err := json.Unmarshal([]byte(jumpHostsJSON), &jumpHosts); err != nil {
		return nil, fmt.Errorf("catalog: %w: bad jump_hosts: %w", apperr.ErrDatabase, err)
	}
	var proxyCfg *ProxyConfig
	if proxy.Valid && proxy.String != "" {
		proxyCfg = &ProxyConfig{}
		if err := json.Unmarshal([]byte(proxy.String), proxyCfg); err != nil {
			return nil, fmt.Errorf("catalog: %w: bad proxy: %w", apperr.ErrDatabase, err)
		}
	}
	var startup []string
	_ = json.Unmarshal([]byte(startupJSON), &startup)
	var envVars []EnvVar
	_ = json.Unmarshal([]byte(envJSON), &envVars)
	var tags []string
	_ = json.Unmarshal([]byte(tagsJSON), &tags)

	createdT, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w: bad created_at: %w", apperr.ErrDatabase, err)
	}
	updatedT, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w: bad updated_at: %w", apperr.ErrDatabase, err)
	}

	var groupUUID *uuid.UUID
	if groupID.Valid && groupID.String != "" {
		if g, err := uuid.Parse(groupID.String); err == nil {
			groupUUID = &g
		}
	}
	var lastConnected *time.Time
	if lastConnectedAt.Valid && lastConnectedAt.String != "" {
		if t, err := time.Parse(time.RFC3339, lastConnectedAt.String); err == nil {
			lastConnected = &t
		}
	}

	return &Connection{
		ID: parsedID, Name: name, Host: host, Port: port, Username: username,
		AuthMethod: auth, JumpHosts: jumpHosts, Proxy: proxyCfg,
		StartupCommands: startup, EnvVars: envVars, GroupID: groupUUID, Tags: tags,
		Color: color.String, Icon: icon.String, Notes: notes.String,
		CreatedAt: createdT, UpdatedAt: updatedT, LastConnectedAt: lastConnected,
		IsFavorite: isFavorite == 1,
	}, nil
}

// ImportFromSSHConfig parses an OpenSSH client config file, dedups
// against existing catalog entries by (host, port, username), and
// persists the new ones. It returns the entries actually created.
func (s *Store) ImportFromSSHConfig(path string) ([]*Connection, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}

	existing, err := s.List()
	if err != nil {
		existing = nil
	}
	known := make(map[string]bool, len(existing))
	for _, c := range existing {
		known[dedupKey(c.Host, c.Port, c.Username)] = true
	}

	var created []*Connection
	var currentHosts []string
	current := map[string]string{}

	flush := func() {
		if len(currentHosts) == 0 {
			return
		}
		hostName := currentHosts[0]
		for _, h := range currentHosts {
			if !strings.ContainsAny(h, "*?") {
				hostName = h
				break
			}
		}
		host := current["hostname"]
		if host == "" {
			host = hostName
		}
		username := current["user"]
		if username == "" {
			username = currentUsername()
		}
		port := 22
		if p, ok := current["port"]; ok {
			if v, err := parsePositiveInt(p); err == nil {
				port = v
			}
		}
		var auth AuthMethod
		if identity, ok := current["identityfile"]; ok && identity != "" {
			auth = AuthMethod{Kind: AuthKey, PrivateKeyPath: identity}
		} else {
			auth = AuthMethod{Kind: AuthAgent}
		}

		key := dedupKey(host, port, username)
		if known[key] {
			return
		}
		known[key] = true

		now := time.Now()
		c := &Connection{
			ID: uuid.New(), Name: hostName, Host: host, Port: port, Username: username,
			AuthMethod: auth, CreatedAt: now, UpdatedAt: now,
		}
		created = append(created, c)
	}

	for _, raw := range strings.Split(string(content), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		key := strings.ToLower(fields[0])
		value := strings.Join(fields[1:], " ")
		if key == "host" {
			flush()
			currentHosts = strings.Fields(value)
			current = map[string]string{}
		} else if key != "" {
			current[key] = value
		}
	}
	flush()

	for _, c := range created {
		if err := s.Create(c); err != nil {
			return nil, err
		}
	}

	return created, nil
}

func dedupKey(host string, port int, username string) string {
	return fmt.Sprintf("%s\x00%d\x00%s", host, port, username)
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "root"
}

func parsePositiveInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, err
	}
	if n < 1 || n > 65535 {
		return 0, apperr.ErrInvalid
	}
	return n, nil
}
