// Package journal records every frame of a session in a SQLite database.
//
// Frames are handed to a writer actor so the channel pumps never wait on
// disk. The journal is a debugging aid: when the writer falls behind, frames
// are dropped and counted instead of slowing the session down.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"

	"github.com/codefionn/collabsync/internal/actor"
	"github.com/codefionn/collabsync/internal/channel"
	"github.com/codefionn/collabsync/internal/logger"
	"github.com/codefionn/collabsync/internal/wire"
)

// Frame kinds.
const (
	KindCall    = "call"
	KindReply   = "reply"
	KindPush    = "push"
	KindUnknown = "unknown"
)

// DefaultBuffer is the number of frames queued for the writer.
const DefaultBuffer = 1024

// Record is one journaled frame.
type Record struct {
	ID        int64
	Session   string
	Direction channel.Direction
	Kind      string
	Num       *uint32
	Name      string
	EntityID  string
	At        time.Time
	Body      string
}

// Session is one journaled client session.
type Session struct {
	ID        string
	UserID    uint32
	ServerURL string
	Started   time.Time
	Frames    int
}

// Options configures Open.
type Options struct {
	Buffer    int
	UserID    uint32
	ServerURL string
	Logger    *logger.Logger
	// Now is the clock, for tests.
	Now func() time.Time
}

// Journal is a FrameObserver writing to SQLite.
type Journal struct {
	db      *sql.DB
	path    string
	session string
	ref     *actor.ActorRef
	log     *logger.Logger
	now     func() time.Time
	dropped atomic.Int64
}

// Open opens (creating if needed) the journal at path and registers a new
// session with id sessionID.
func Open(ctx context.Context, path, sessionID string, opts Options) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=2000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	j := &Journal{
		db:      db,
		path:    path,
		session: sessionID,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if j.log == nil {
		j.log = logger.Global().WithPrefix("journal")
	}
	if j.now == nil {
		j.now = time.Now
	}

	if err := j.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, server_url, started_at) VALUES (?, ?, ?, ?)`,
		sessionID, opts.UserID, opts.ServerURL, j.now().UnixMilli())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register session: %w", err)
	}

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	j.ref = actor.NewActorRef("journal", &writer{j: j}, buffer, actor.WithDrainOnStop(), actor.WithLogger(j.log))
	if err := j.ref.Start(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// OpenReadOnly opens an existing journal for queries only.
func OpenReadOnly(path string) (*Journal, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("journal %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Journal{db: db, path: path, log: logger.Global().WithPrefix("journal"), now: time.Now}, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		server_url TEXT NOT NULL,
		started_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS frames (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		kind TEXT NOT NULL,
		num INTEGER,
		name TEXT NOT NULL DEFAULT '',
		entity_id TEXT NOT NULL DEFAULT '',
		recorded_at INTEGER NOT NULL,
		body TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_frames_session ON frames(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_frames_entity ON frames(entity_id);
	`
	_, err := j.db.ExecContext(ctx, schema)
	return err
}

// SessionID returns the id frames are recorded under.
func (j *Journal) SessionID() string {
	return j.session
}

// Dropped returns the number of frames lost to a full buffer.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// ObserveFrame queues a frame for writing.
func (j *Journal) ObserveFrame(dir channel.Direction, frame []byte) {
	if j.ref == nil {
		return
	}
	rec := classify(dir, frame)
	rec.Session = j.session
	rec.At = j.now()

	if err := j.ref.Send(recordMsg{rec}); err != nil {
		if j.dropped.Add(1) == 1 {
			j.log.Warn("dropping frames: %v", err)
		}
	}
}

// Close flushes queued frames and closes the database.
func (j *Journal) Close() error {
	var stopErr error
	if j.ref != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		stopErr = j.ref.Stop(ctx)
		cancel()
	}
	if err := j.db.Close(); err != nil {
		return err
	}
	if n := j.Dropped(); n > 0 {
		j.log.Warn("%d frames were not journaled", n)
	}
	return stopErr
}

func (j *Journal) insert(ctx context.Context, rec Record) error {
	var num interface{}
	if rec.Num != nil {
		num = int64(*rec.Num)
	}
	op := func() error {
		_, err := j.db.ExecContext(ctx,
			`INSERT INTO frames (session_id, direction, kind, num, name, entity_id, recorded_at, body)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Session, string(rec.Direction), rec.Kind, num, rec.Name, rec.EntityID, rec.At.UnixMilli(), rec.Body)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// isTransient reports errors worth retrying: another connection holds the
// database.
func isTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// classify extracts the searchable columns of a frame.
func classify(dir channel.Direction, frame []byte) Record {
	rec := Record{Direction: dir, Kind: KindUnknown, Body: string(frame)}

	if dir == channel.Outbound {
		var call struct {
			Num     uint32 `json:"num"`
			Request string `json:"request"`
		}
		if err := json.Unmarshal(frame, &call); err == nil && call.Request != "" {
			rec.Kind = KindCall
			rec.Num = &call.Num
			rec.Name = call.Request
		}
		return rec
	}

	decoded, err := wire.Decode(frame)
	if err != nil {
		return rec
	}
	if decoded.IsReply() {
		num := decoded.Reply.Num
		rec.Kind = KindReply
		rec.Num = &num
		rec.Name = decoded.Reply.Reply
		return rec
	}
	rec.Kind = KindPush
	rec.Name = decoded.Push.Type
	rec.EntityID = decoded.Push.ID
	return rec
}

// Filter narrows Frames.
type Filter struct {
	Session  string
	EntityID string
	Kind     string
	Limit    int
}

// Frames returns journaled frames, newest last.
func (j *Journal) Frames(ctx context.Context, f Filter) ([]Record, error) {
	var where []string
	var args []interface{}
	if f.Session != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.Session)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}

	query := `SELECT id, session_id, direction, kind, num, name, entity_id, recorded_at, body FROM frames`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var dir string
		var num sql.NullInt64
		var at int64
		if err := rows.Scan(&rec.ID, &rec.Session, &dir, &rec.Kind, &num, &rec.Name, &rec.EntityID, &at, &rec.Body); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		rec.Direction = channel.Direction(dir)
		if num.Valid {
			n := uint32(num.Int64)
			rec.Num = &n
		}
		rec.At = time.UnixMilli(at)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest last
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// Sessions lists journaled sessions, newest first.
func (j *Journal) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, s.server_url, s.started_at, COUNT(f.id)
		FROM sessions s LEFT JOIN frames f ON f.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC, s.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var started int64
		if err := rows.Scan(&s.ID, &s.UserID, &s.ServerURL, &started, &s.Frames); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.Started = time.UnixMilli(started)
		out = append(out, s)
	}
	return out, rows.Err()
}

type recordMsg struct {
	rec Record
}

func (recordMsg) Type() string { return "record" }

// writer is the actor owning all inserts.
type writer struct {
	j *Journal
}

func (w *writer) ID() string                  { return "journal" }
func (w *writer) Start(context.Context) error { return nil }
func (w *writer) Stop(context.Context) error  { return nil }

func (w *writer) Receive(ctx context.Context, msg actor.Message) error {
	m, ok := msg.(recordMsg)
	if !ok {
		return fmt.Errorf("unexpected message %s", msg.Type())
	}
	return w.j.insert(ctx, m.rec)
}
