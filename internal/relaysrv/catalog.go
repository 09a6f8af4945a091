// Package relaysrv is the relay server: a Catalog of sessions and machines
// backed by SQLite, and a Router that dispatches the wire protocol between
// daemon bridges and browser clients.
//
// Grounded on internal/relay/store.go's OpenRelay/migrate embed-driven
// migration idiom, trimmed from its full social-platform schema down to the
// sessions/machines/auth_tokens tables this system actually needs.
package relaysrv

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Catalog persists session and machine records for the relay.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens (and migrates) a SQLite-backed catalog at dsn.
func OpenCatalog(dsn string) (*Catalog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("relaysrv: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("relaysrv: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("relaysrv: enable foreign keys: %w", err)
	}
	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("relaysrv: migrate: %w", err)
	}
	return c, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

func (c *Catalog) migrate() error {
	if _, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := c.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := c.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Catalog session status values, matching the CatalogSession state machine:
// a session is created Initializing, moves to Running once a CLI bridge
// attaches, and is Terminated on disconnect, explicit stop, or deletion.
// Terminated is a dead end; it is never re-attached.
const (
	StatusInitializing = "Initializing"
	StatusRunning      = "Running"
	StatusPaused       = "Paused"
	StatusTerminated   = "Terminated"
)

// SessionRecord is a catalog row.
type SessionRecord struct {
	ID           string
	Tag          string
	UserID       string
	MachineID    string
	MachineName  string
	Status       string
	CWD          string
	CreatedAt    time.Time
	LastActivity time.Time
}

// MachineRecord is a catalog row.
type MachineRecord struct {
	ID       string
	Name     string
	Platform string
	Online   bool
	LastSeen time.Time
}

// CreateSession inserts a brand-new session row, as REST session creation
// does. Unlike UpsertSession, a colliding id is an error rather than a merge.
func (c *Catalog) CreateSession(s SessionRecord) error {
	_, err := c.db.Exec(`INSERT INTO sessions (id, tag, user_id, machine_id, machine_name, status, cwd, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		s.ID, s.Tag, s.UserID, s.MachineID, s.MachineName, s.Status, s.CWD)
	return err
}

// UpsertSession records or refreshes a session's catalog entry.
func (c *Catalog) UpsertSession(s SessionRecord) error {
	_, err := c.db.Exec(`INSERT INTO sessions (id, tag, user_id, machine_id, machine_name, status, cwd, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			tag=excluded.tag, status=excluded.status, cwd=excluded.cwd,
			machine_name=excluded.machine_name, last_activity=CURRENT_TIMESTAMP`,
		s.ID, s.Tag, s.UserID, s.MachineID, s.MachineName, s.Status, s.CWD)
	return err
}

// UpdateSessionStatus updates just a session's status and touches last_activity.
func (c *Catalog) UpdateSessionStatus(id, status string) error {
	_, err := c.db.Exec(`UPDATE sessions SET status = ?, last_activity = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	return err
}

// GetSessionByTag resolves a tag to its most recently active session.
func (c *Catalog) GetSessionByTag(tag string) (SessionRecord, error) {
	row := c.db.QueryRow(`SELECT id, tag, user_id, machine_id, machine_name, status, cwd, created_at, last_activity
		FROM sessions WHERE tag = ? ORDER BY last_activity DESC LIMIT 1`, tag)
	return scanSession(row)
}

// GetSession looks up one session by id.
func (c *Catalog) GetSession(id string) (SessionRecord, error) {
	row := c.db.QueryRow(`SELECT id, tag, user_id, machine_id, machine_name, status, cwd, created_at, last_activity
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (SessionRecord, error) {
	var s SessionRecord
	err := row.Scan(&s.ID, &s.Tag, &s.UserID, &s.MachineID, &s.MachineName, &s.Status, &s.CWD, &s.CreatedAt, &s.LastActivity)
	return s, err
}

// ListSessionsForUser returns every session belonging to userID, newest first.
func (c *Catalog) ListSessionsForUser(userID string) ([]SessionRecord, error) {
	rows, err := c.db.Query(`SELECT id, tag, user_id, machine_id, machine_name, status, cwd, created_at, last_activity
		FROM sessions WHERE user_id = ? ORDER BY last_activity DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var s SessionRecord
		if err := rows.Scan(&s.ID, &s.Tag, &s.UserID, &s.MachineID, &s.MachineName, &s.Status, &s.CWD, &s.CreatedAt, &s.LastActivity); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSession removes a session's catalog entry.
func (c *Catalog) DeleteSession(id string) error {
	_, err := c.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// UpsertMachine records or refreshes a machine's registration.
func (c *Catalog) UpsertMachine(id, name, platform string) error {
	_, err := c.db.Exec(`INSERT INTO machines (id, name, platform, online, last_seen)
		VALUES (?, ?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, platform=excluded.platform, online=1, last_seen=CURRENT_TIMESTAMP`,
		id, name, platform)
	return err
}

// SetMachineOnline flips a machine's online flag.
func (c *Catalog) SetMachineOnline(id string, online bool) error {
	onlineInt := 0
	if online {
		onlineInt = 1
	}
	_, err := c.db.Exec(`UPDATE machines SET online = ?, last_seen = CURRENT_TIMESTAMP WHERE id = ?`, onlineInt, id)
	return err
}

// ListMachines returns every known machine.
func (c *Catalog) ListMachines() ([]MachineRecord, error) {
	rows, err := c.db.Query(`SELECT id, name, platform, online, last_seen FROM machines ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MachineRecord
	for rows.Next() {
		var m MachineRecord
		var onlineInt int
		if err := rows.Scan(&m.ID, &m.Name, &m.Platform, &onlineInt, &m.LastSeen); err != nil {
			return nil, err
		}
		m.Online = onlineInt != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateAuthToken records a bearer token for userID (used by a daemon/browser
// to authenticate over the wire protocol's Authenticate message).
func (c *Catalog) CreateAuthToken(token, userID string) error {
	_, err := c.db.Exec(`INSERT INTO auth_tokens (token, user_id) VALUES (?, ?)
		ON CONFLICT(token) DO UPDATE SET user_id = excluded.user_id`, token, userID)
	return err
}

// ValidateAuthToken resolves a bearer token to its owning user.
func (c *Catalog) ValidateAuthToken(token string) (string, error) {
	var userID string
	err := c.db.QueryRow(`SELECT user_id FROM auth_tokens WHERE token = ?`, token).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("relaysrv: invalid token")
	}
	return userID, nil
}
