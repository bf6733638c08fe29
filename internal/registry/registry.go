package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when inserting an instance for a challenge
	// that already has one. This is how concurrent first-attach races are
	// decided: exactly one writer wins the unique constraint.
	ErrConflict = errors.New("instance already exists")
)

// Instance is one live challenge environment. At most one exists per
// challenge; the primary key enforces that.
type Instance struct {
	ChallengeID  string    `json:"challenge_id"`
	Handle       string    `json:"handle"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Session is one user's membership in an instance. A user has at most one
// session per challenge.
type Session struct {
	UserID       string    `json:"user_id"`
	ChallengeID  string    `json:"challenge_id"`
	Handle       string    `json:"handle"`
	StartedAt    time.Time `json:"started_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// InstanceUsage pairs an instance with its attached-session count, for the
// admin view.
type InstanceUsage struct {
	Instance
	Sessions int `json:"sessions"`
}

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// isUniqueViolation reports whether err is a primary-key/unique constraint
// failure from the sqlite driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE constraint failed") || strings.Contains(s, "SQLITE_CONSTRAINT")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

type Registry struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS instances (
	challenge_id  TEXT PRIMARY KEY,
	handle        TEXT NOT NULL,
	host          TEXT NOT NULL,
	port          INTEGER NOT NULL,
	created_at    DATETIME NOT NULL,
	last_accessed DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	user_id       TEXT NOT NULL,
	challenge_id  TEXT NOT NULL,
	handle        TEXT NOT NULL,
	started_at    DATETIME NOT NULL,
	last_accessed DATETIME NOT NULL,
	PRIMARY KEY (user_id, challenge_id)
);
CREATE INDEX IF NOT EXISTS idx_sessions_challenge_id ON sessions(challenge_id);
CREATE INDEX IF NOT EXISTS idx_instances_created_at ON instances(created_at);
`

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection. PRAGMAs in DSN are applied
// per-connection by the driver.
func dsnWithPragmas(dbPath string) string {
	// busy_timeout: 15s wait on lock (broker + sweeper overlap)
	// journal_mode=WAL: concurrent reads during writes
	// synchronous=NORMAL: safe in WAL, much faster writes than FULL
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

func New(dbPath string) (*Registry, error) {
	dsn := dsnWithPragmas(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite is single-writer; a small pool lets readers proceed in WAL mode.
	// In-memory databases are per-connection, so they get exactly one.
	maxConns := 4
	if dbPath == ":memory:" {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// GetInstance returns the live instance for a challenge, or nil if none.
func (r *Registry) GetInstance(challengeID string) (*Instance, error) {
	row := r.db.QueryRow(
		`SELECT challenge_id, handle, host, port, created_at, last_accessed
		 FROM instances WHERE challenge_id = ?`, challengeID,
	)
	return scanInstance(row)
}

// InsertInstance records a new instance. Returns ErrConflict when the
// challenge already has one; callers must fall back to the existing
// instance and discard their own environment.
func (r *Registry) InsertInstance(inst *Instance) error {
	err := retryOnBusy(func() error {
		_, e := r.db.Exec(
			`INSERT INTO instances (challenge_id, handle, host, port, created_at, last_accessed)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			inst.ChallengeID, inst.Handle, inst.Host, inst.Port,
			inst.CreatedAt.UTC(), inst.LastAccessed.UTC(),
		)
		return e
	})
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("inserting instance: %w", err)
	}
	return nil
}

// TouchInstance bumps last_accessed on the challenge's instance.
func (r *Registry) TouchInstance(challengeID string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = r.db.Exec(
			`UPDATE instances SET last_accessed = ? WHERE challenge_id = ?`,
			time.Now().UTC(), challengeID,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("touching instance: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: instance for challenge %s", ErrNotFound, challengeID)
	}
	return nil
}

// DeleteInstance removes an instance and all sessions referencing its
// challenge in one transaction, so no session ever points at a dead
// instance. Deleting an absent instance is a no-op: the detach and sweeper
// paths may race on the same challenge and both must succeed.
func (r *Registry) DeleteInstance(challengeID string) error {
	return retryOnBusy(func() error {
		tx, err := r.db.Begin()
		if err != nil {
			return fmt.Errorf("begin delete: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM sessions WHERE challenge_id = ?`, challengeID); err != nil {
			return fmt.Errorf("cascading sessions: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM instances WHERE challenge_id = ?`, challengeID); err != nil {
			return fmt.Errorf("deleting instance: %w", err)
		}

		return tx.Commit()
	})
}

// GetSession returns a user's session for a challenge, or nil if none.
func (r *Registry) GetSession(userID, challengeID string) (*Session, error) {
	row := r.db.QueryRow(
		`SELECT user_id, challenge_id, handle, started_at, last_accessed
		 FROM sessions WHERE user_id = ? AND challenge_id = ?`, userID, challengeID,
	)
	return scanSession(row)
}

// UpsertSession creates or refreshes a user's membership in an instance.
func (r *Registry) UpsertSession(sess *Session) error {
	err := retryOnBusy(func() error {
		_, e := r.db.Exec(
			`INSERT INTO sessions (user_id, challenge_id, handle, started_at, last_accessed)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, challenge_id) DO UPDATE SET
			   handle = excluded.handle,
			   last_accessed = excluded.last_accessed`,
			sess.UserID, sess.ChallengeID, sess.Handle,
			sess.StartedAt.UTC(), sess.LastAccessed.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// DeleteSession removes a user's session. Reports whether a row was
// actually deleted so callers can distinguish detach from no-op.
func (r *Registry) DeleteSession(userID, challengeID string) (bool, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = r.db.Exec(
			`DELETE FROM sessions WHERE user_id = ? AND challenge_id = ?`,
			userID, challengeID,
		)
		return e
	})
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// CountSessions returns how many users are attached to a challenge's
// instance.
func (r *Registry) CountSessions(challengeID string) (int, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE challenge_id = ?`, challengeID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return n, nil
}

// ListExpiredInstances returns instances older than maxAge, regardless of
// how many sessions reference them.
func (r *Registry) ListExpiredInstances(maxAge time.Duration) ([]*Instance, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	rows, err := r.db.Query(
		`SELECT challenge_id, handle, host, port, created_at, last_accessed
		 FROM instances WHERE created_at <= ?`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// ListInstances returns all live instances with their session counts,
// newest first.
func (r *Registry) ListInstances() ([]*InstanceUsage, error) {
	rows, err := r.db.Query(
		`SELECT i.challenge_id, i.handle, i.host, i.port, i.created_at, i.last_accessed,
		        COUNT(s.user_id)
		 FROM instances i
		 LEFT JOIN sessions s ON s.challenge_id = i.challenge_id
		 GROUP BY i.challenge_id
		 ORDER BY i.created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	defer rows.Close()

	var result []*InstanceUsage
	for rows.Next() {
		var u InstanceUsage
		if err := rows.Scan(
			&u.ChallengeID, &u.Handle, &u.Host, &u.Port,
			&u.CreatedAt, &u.LastAccessed, &u.Sessions,
		); err != nil {
			return nil, fmt.Errorf("scanning instance usage: %w", err)
		}
		result = append(result, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating instances: %w", err)
	}
	return result, nil
}

// ListInstanceSessions returns the sessions attached to a challenge's
// instance, oldest first.
func (r *Registry) ListInstanceSessions(challengeID string) ([]*Session, error) {
	rows, err := r.db.Query(
		`SELECT user_id, challenge_id, handle, started_at, last_accessed
		 FROM sessions WHERE challenge_id = ? ORDER BY started_at`, challengeID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var result []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return result, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanInstance(row scannable) (*Instance, error) {
	var inst Instance
	err := row.Scan(
		&inst.ChallengeID, &inst.Handle, &inst.Host, &inst.Port,
		&inst.CreatedAt, &inst.LastAccessed,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning instance: %w", err)
	}
	return &inst, nil
}

func scanInstances(rows *sql.Rows) ([]*Instance, error) {
	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating instances: %w", err)
	}
	return instances, nil
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	err := row.Scan(
		&sess.UserID, &sess.ChallengeID, &sess.Handle,
		&sess.StartedAt, &sess.LastAccessed,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &sess, nil
}
