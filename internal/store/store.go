// Package store provides the durable, transactional backing for the bridge:
// agent identities, room bindings, sync cursors, conversation bindings,
// in-flight delivery tracking, and peer registrations. Schema migration runs
// forward-only CREATE TABLE IF NOT EXISTS statements at open time, on
// modernc.org/sqlite — a pure-Go driver that needs no cgo toolchain.
// access_credential here is a Matrix bearer token already scoped to one
// ghost user, so the store doesn't need at-rest encryption the way a
// provider-API-key vault would.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentbridge/bridge/internal/errs"
	"github.com/agentbridge/bridge/internal/model"
)

var ErrNotFound = errors.New("store: not found")

// Store is the transactional backing store for all bridge state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and applies
// the schema. Safe to call concurrently with an already-open Store in a
// different process only if path is on a filesystem that supports sqlite's
// locking; the bridge itself runs a single writer process.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("store: creating directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer; serializes via database/sql pool
	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the underlying database connection is reachable, for
// health-check use.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_identities (
			agent_id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL,
			mxid TEXT NOT NULL DEFAULT '',
			localpart TEXT NOT NULL DEFAULT '',
			access_credential TEXT NOT NULL DEFAULT '',
			password_seed TEXT NOT NULL DEFAULT '',
			room_id TEXT NOT NULL DEFAULT '',
			removed_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_identities_mxid ON agent_identities(mxid) WHERE mxid != ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_identities_room ON agent_identities(room_id) WHERE room_id != ''`,

		`CREATE TABLE IF NOT EXISTS room_bindings (
			room_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			canonical_name TEXT NOT NULL,
			space_parent_id TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS sync_cursors (
			scope TEXT PRIMARY KEY,
			token TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS conversation_bindings (
			room_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			user_scope TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL,
			last_message_at DATETIME NOT NULL,
			PRIMARY KEY (room_id, agent_id, user_scope)
		)`,

		`CREATE TABLE IF NOT EXISTS inflight_records (
			tracking_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			logical_key TEXT NOT NULL,
			source TEXT NOT NULL,
			first_seen_at DATETIME NOT NULL,
			committed_event_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_inflight_logical_key ON inflight_records(logical_key)`,

		`CREATE TABLE IF NOT EXISTS peer_registrations (
			session_id TEXT PRIMARY KEY,
			directory TEXT NOT NULL,
			listen_port INTEGER NOT NULL,
			rooms TEXT NOT NULL DEFAULT '',
			last_seen DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS agents_space (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			space_id TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: applying schema: %w", err)
		}
	}
	return nil
}

// --- Identity Store ---

// UpsertIdentity creates or updates an identity keyed on agent_id, preserving
// localpart, mxid, password_seed and room_id across renames: when a row
// already exists, each of those fields left empty in the incoming value keeps
// its stored value, while a non-empty incoming value replaces it.
func (s *Store) UpsertIdentity(ctx context.Context, id *model.AgentIdentity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin upsert identity: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var existingLocalpart, existingMxid, existingSeed, existingRoom string
	err = tx.QueryRowContext(ctx,
		`SELECT localpart, mxid, password_seed, room_id FROM agent_identities WHERE agent_id = ?`, id.AgentID,
	).Scan(&existingLocalpart, &existingMxid, &existingSeed, &existingRoom)
	switch {
	case err == nil:
		if id.Localpart == "" {
			id.Localpart = existingLocalpart
		}
		if id.MXID == "" {
			id.MXID = existingMxid
		}
		if id.PasswordSeed == "" {
			id.PasswordSeed = existingSeed
		}
		if id.RoomID == "" {
			id.RoomID = existingRoom
		}
		if id.CreatedAt.IsZero() {
			id.CreatedAt = now
		}
	case errors.Is(err, sql.ErrNoRows):
		if id.CreatedAt.IsZero() {
			id.CreatedAt = now
		}
	default:
		return fmt.Errorf("store: reading existing identity: %w", err)
	}
	id.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_identities (agent_id, agent_name, mxid, localpart, access_credential, password_seed, room_id, removed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			agent_name = excluded.agent_name,
			mxid = excluded.mxid,
			localpart = excluded.localpart,
			access_credential = excluded.access_credential,
			password_seed = excluded.password_seed,
			room_id = excluded.room_id,
			removed_at = excluded.removed_at,
			updated_at = excluded.updated_at
	`, id.AgentID, id.AgentName, id.MXID, id.Localpart, id.AccessCredential, id.PasswordSeed, id.RoomID, nullTime(id.RemovedAt), id.CreatedAt, id.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Wrap("store", errs.IdentityConflict, err)
		}
		return fmt.Errorf("store: upserting identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing upsert identity: %w", err)
	}
	return nil
}

func (s *Store) GetIdentityByAgentID(ctx context.Context, agentID string) (*model.AgentIdentity, error) {
	return s.scanOneIdentity(ctx, `SELECT agent_id, agent_name, mxid, localpart, access_credential, password_seed, room_id, removed_at, created_at, updated_at FROM agent_identities WHERE agent_id = ?`, agentID)
}

func (s *Store) GetIdentityByMXID(ctx context.Context, mxid string) (*model.AgentIdentity, error) {
	return s.scanOneIdentity(ctx, `SELECT agent_id, agent_name, mxid, localpart, access_credential, password_seed, room_id, removed_at, created_at, updated_at FROM agent_identities WHERE mxid = ?`, mxid)
}

func (s *Store) GetIdentityByRoomID(ctx context.Context, roomID string) (*model.AgentIdentity, error) {
	return s.scanOneIdentity(ctx, `SELECT agent_id, agent_name, mxid, localpart, access_credential, password_seed, room_id, removed_at, created_at, updated_at FROM agent_identities WHERE room_id = ?`, roomID)
}

func (s *Store) scanOneIdentity(ctx context.Context, query string, arg string) (*model.AgentIdentity, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	id := &model.AgentIdentity{}
	var removedAt sql.NullTime
	err := row.Scan(&id.AgentID, &id.AgentName, &id.MXID, &id.Localpart, &id.AccessCredential, &id.PasswordSeed, &id.RoomID, &removedAt, &id.CreatedAt, &id.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning identity: %w", err)
	}
	if removedAt.Valid {
		id.RemovedAt = &removedAt.Time
	}
	return id, nil
}

// ListActiveIdentities returns all identities with removed_at IS NULL.
func (s *Store) ListActiveIdentities(ctx context.Context) ([]*model.AgentIdentity, error) {
	return s.listIdentities(ctx, `SELECT agent_id, agent_name, mxid, localpart, access_credential, password_seed, room_id, removed_at, created_at, updated_at FROM agent_identities WHERE removed_at IS NULL ORDER BY created_at ASC`)
}

// ListAllIdentities returns every identity regardless of removal status, for
// audit/migration export.
func (s *Store) ListAllIdentities(ctx context.Context) ([]*model.AgentIdentity, error) {
	return s.listIdentities(ctx, `SELECT agent_id, agent_name, mxid, localpart, access_credential, password_seed, room_id, removed_at, created_at, updated_at FROM agent_identities ORDER BY created_at ASC`)
}

func (s *Store) listIdentities(ctx context.Context, query string) ([]*model.AgentIdentity, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: listing identities: %w", err)
	}
	defer rows.Close()

	var out []*model.AgentIdentity
	for rows.Next() {
		id := &model.AgentIdentity{}
		var removedAt sql.NullTime
		if err := rows.Scan(&id.AgentID, &id.AgentName, &id.MXID, &id.Localpart, &id.AccessCredential, &id.PasswordSeed, &id.RoomID, &removedAt, &id.CreatedAt, &id.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning identity row: %w", err)
		}
		if removedAt.Valid {
			id.RemovedAt = &removedAt.Time
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MarkRemoved soft-deletes an identity; the room and row are retained.
func (s *Store) MarkRemoved(ctx context.Context, agentID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE agent_identities SET removed_at = ?, updated_at = ? WHERE agent_id = ?`, now, now, agentID)
	if err != nil {
		return fmt.Errorf("store: marking removed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// BindRoom atomically sets an identity's room_id and inserts/updates the
// matching RoomBinding in one transaction, per the state-persistence
// contract that identity mutations and their room-binding sides commit
// together.
func (s *Store) BindRoom(ctx context.Context, agentID, roomID, canonicalName, spaceParentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin bind room: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `UPDATE agent_identities SET room_id = ?, updated_at = ? WHERE agent_id = ?`, roomID, now, agentID)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Wrap("store", errs.IdentityConflict, err)
		}
		return fmt.Errorf("store: binding room to identity: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO room_bindings (room_id, agent_id, canonical_name, space_parent_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET agent_id = excluded.agent_id, canonical_name = excluded.canonical_name, space_parent_id = excluded.space_parent_id
	`, roomID, agentID, canonicalName, spaceParentID)
	if err != nil {
		return fmt.Errorf("store: upserting room binding: %w", err)
	}
	return tx.Commit()
}

// UpdateCredential updates an identity's bearer token without bumping
// updated_at semantics beyond the refresh itself.
func (s *Store) UpdateCredential(ctx context.Context, agentID, token string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE agent_identities SET access_credential = ?, updated_at = ? WHERE agent_id = ?`, token, now, agentID)
	if err != nil {
		return fmt.Errorf("store: updating credential: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRoomBinding returns the binding for a room, or ErrNotFound.
func (s *Store) GetRoomBinding(ctx context.Context, roomID string) (*model.RoomBinding, error) {
	row := s.db.QueryRowContext(ctx, `SELECT room_id, agent_id, canonical_name, space_parent_id FROM room_bindings WHERE room_id = ?`, roomID)
	rb := &model.RoomBinding{}
	err := row.Scan(&rb.RoomID, &rb.AgentID, &rb.CanonicalName, &rb.SpaceParentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning room binding: %w", err)
	}
	return rb, nil
}

// --- Sync Cursor ---

func (s *Store) GetSyncCursor(ctx context.Context, scope string) (*model.SyncCursor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT scope, token, updated_at FROM sync_cursors WHERE scope = ?`, scope)
	c := &model.SyncCursor{}
	err := row.Scan(&c.Scope, &c.Token, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning sync cursor: %w", err)
	}
	return c, nil
}

// SetSyncCursor persists the resume token for a scope in its own
// transaction, deliberately separate from whatever downstream processing
// the caller just performed, to bound the re-processing window on crash.
func (s *Store) SetSyncCursor(ctx context.Context, scope, token string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (scope, token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at
	`, scope, token, now)
	if err != nil {
		return fmt.Errorf("store: setting sync cursor: %w", err)
	}
	return nil
}

// --- Conversation Bindings ---

// UpsertConversationBinding converges concurrent upserts on the first
// writer's conversation_id for the triple.
func (s *Store) UpsertConversationBinding(ctx context.Context, cb *model.ConversationBinding) (*model.ConversationBinding, error) {
	now := time.Now().UTC()
	if cb.LastMessageAt.IsZero() {
		cb.LastMessageAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_bindings (room_id, agent_id, user_scope, conversation_id, last_message_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(room_id, agent_id, user_scope) DO UPDATE SET last_message_at = excluded.last_message_at
	`, cb.RoomID, cb.AgentID, cb.UserScope, cb.ConversationID, cb.LastMessageAt)
	if err != nil {
		return nil, fmt.Errorf("store: upserting conversation binding: %w", err)
	}
	return s.GetConversationBinding(ctx, cb.RoomID, cb.AgentID, cb.UserScope)
}

func (s *Store) GetConversationBinding(ctx context.Context, roomID, agentID, userScope string) (*model.ConversationBinding, error) {
	row := s.db.QueryRowContext(ctx, `SELECT room_id, agent_id, user_scope, conversation_id, last_message_at FROM conversation_bindings WHERE room_id = ? AND agent_id = ? AND user_scope = ?`, roomID, agentID, userScope)
	cb := &model.ConversationBinding{}
	err := row.Scan(&cb.RoomID, &cb.AgentID, &cb.UserScope, &cb.ConversationID, &cb.LastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning conversation binding: %w", err)
	}
	return cb, nil
}

// --- In-Flight Records (Delivery Arbiter) ---

// InsertInFlightIfAbsent attempts to claim logicalKey for tracking_id. It
// returns the winning record: either the one just inserted (ok=true) or the
// pre-existing one (ok=false), per the arbiter's first-submission-wins rule.
func (s *Store) InsertInFlightIfAbsent(ctx context.Context, rec *model.InFlightRecord) (winner *model.InFlightRecord, won bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("store: begin inflight insert: %w", err)
	}
	defer tx.Rollback()

	existing := &model.InFlightRecord{}
	var status, source string
	scanErr := tx.QueryRowContext(ctx, `SELECT tracking_id, agent_id, logical_key, source, first_seen_at, committed_event_id, status FROM inflight_records WHERE logical_key = ?`, rec.LogicalKey).
		Scan(&existing.TrackingID, &existing.AgentID, &existing.LogicalKey, &source, &existing.FirstSeenAt, &existing.CommittedEventID, &status)
	if scanErr == nil {
		existing.Source = model.InFlightSource(source)
		existing.Status = model.InFlightStatus(status)
		return existing, false, tx.Commit()
	}
	if !errors.Is(scanErr, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("store: checking inflight: %w", scanErr)
	}

	if rec.FirstSeenAt.IsZero() {
		rec.FirstSeenAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO inflight_records (tracking_id, agent_id, logical_key, source, first_seen_at, committed_event_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.TrackingID, rec.AgentID, rec.LogicalKey, string(rec.Source), rec.FirstSeenAt, rec.CommittedEventID, string(rec.Status))
	if err != nil {
		return nil, false, fmt.Errorf("store: inserting inflight record: %w", err)
	}
	return rec, true, tx.Commit()
}

// UpdateInFlightStatus records the outcome of the winning submission.
func (s *Store) UpdateInFlightStatus(ctx context.Context, trackingID string, status model.InFlightStatus, committedEventID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE inflight_records SET status = ?, committed_event_id = ? WHERE tracking_id = ?`, string(status), committedEventID, trackingID)
	if err != nil {
		return fmt.Errorf("store: updating inflight status: %w", err)
	}
	return nil
}

// PurgeExpiredInFlight deletes records older than ttl, returning the count removed.
func (s *Store) PurgeExpiredInFlight(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	res, err := s.db.ExecContext(ctx, `DELETE FROM inflight_records WHERE first_seen_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: purging expired inflight: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Peer Registrations ---

func (s *Store) UpsertPeerRegistration(ctx context.Context, reg *model.PeerRegistration) error {
	if reg.LastSeen.IsZero() {
		reg.LastSeen = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peer_registrations (session_id, directory, listen_port, rooms, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET directory = excluded.directory, listen_port = excluded.listen_port, rooms = excluded.rooms, last_seen = excluded.last_seen
	`, reg.SessionID, reg.Directory, reg.ListenPort, joinRooms(reg.Rooms), reg.LastSeen)
	if err != nil {
		return fmt.Errorf("store: upserting peer registration: %w", err)
	}
	return nil
}

func (s *Store) ListLivePeerRegistrations(ctx context.Context, ttl time.Duration) ([]*model.PeerRegistration, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, directory, listen_port, rooms, last_seen FROM peer_registrations WHERE last_seen >= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: listing peer registrations: %w", err)
	}
	defer rows.Close()

	var out []*model.PeerRegistration
	for rows.Next() {
		reg := &model.PeerRegistration{}
		var rooms string
		if err := rows.Scan(&reg.SessionID, &reg.Directory, &reg.ListenPort, &rooms, &reg.LastSeen); err != nil {
			return nil, fmt.Errorf("store: scanning peer registration: %w", err)
		}
		reg.Rooms = splitRooms(rooms)
		out = append(out, reg)
	}
	return out, rows.Err()
}

// PurgeStalePeerRegistrations deletes registrations not refreshed within ttl.
func (s *Store) PurgeStalePeerRegistrations(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	res, err := s.db.ExecContext(ctx, `DELETE FROM peer_registrations WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: purging stale peer registrations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Agents Space pointer ---

// GetAgentsSpace returns the currently committed Agents Space id, if any.
func (s *Store) GetAgentsSpace(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT space_id FROM agents_space WHERE id = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: reading agents space: %w", err)
	}
	return id, nil
}

// SetAgentsSpace commits the space pointer. Callers must validate the space
// is reachable and writable before calling this, per the loop-prevention
// invariant — this method performs no validation itself.
func (s *Store) SetAgentsSpace(ctx context.Context, spaceID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents_space (id, space_id) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET space_id = excluded.space_id
	`, spaceID)
	if err != nil {
		return fmt.Errorf("store: setting agents space: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite wraps the sqlite3 result code in its error message;
	// there is no typed sentinel, so match on the standard SQLite phrasing.
	return err != nil && (containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func joinRooms(rooms []string) string {
	out := ""
	for i, r := range rooms {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}

func splitRooms(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
