package output

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/spiacq/pkg/frame"
	"github.com/norasector/spiacq/pkg/util"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite" // register sqlite driver
)

const (
	sqliteBatchSize     = 64
	sqliteFlushInterval = 500 * time.Millisecond
)

func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			packet_size INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			stopped_at INTEGER,
			packet_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS packets (
			session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			at INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	ID          int64
	Source      string
	PacketSize  int
	StartedAt   time.Time
	StoppedAt   time.Time
	PacketCount int64
}

// SQLiteRecorder stores every packet it receives under a session row that is opened when Start runs
// and closed when ctx ends.
type SQLiteRecorder struct {
	db         *sql.DB
	source     string
	packetSize int
	recvChan   chan *frame.Packet
	metrics    api.WriteAPI

	sessionID int64
	count     int64
}

func NewSQLiteRecorder(db *sql.DB, source string, packetSize int, metrics api.WriteAPI) *SQLiteRecorder {
	return &SQLiteRecorder{
		db:         db,
		source:     source,
		packetSize: packetSize,
		recvChan:   make(chan *frame.Packet, sqliteBatchSize*4),
		metrics:    metrics,
	}
}

func (r *SQLiteRecorder) Receive() chan<- *frame.Packet {
	return r.recvChan
}

func (r *SQLiteRecorder) Start(ctx context.Context) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions(source, packet_size, started_at) VALUES(?, ?, ?)
	`, r.source, r.packetSize, timeToUnixMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if r.sessionID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("get session id: %w", err)
	}
	r.count = 0
	log.Info().Int64("session_id", r.sessionID).Msg("sqlite recording started")

	// writes already accepted must land even while ctx is being cancelled
	dbCtx := context.WithoutCancel(ctx)

	pending := make([]*frame.Packet, 0, sqliteBatchSize)
	ticker := time.NewTicker(sqliteFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case pkt := <-r.recvChan:
					pending = append(pending, pkt)
				default:
					break drain
				}
			}
			closeCtx, cancel := context.WithTimeout(dbCtx, 5*time.Second)
			defer cancel()
			if err := r.flush(closeCtx, pending); err != nil {
				return err
			}
			if err := r.closeSession(closeCtx); err != nil {
				return err
			}
			return ctx.Err()

		case <-ticker.C:
			if err := r.flush(dbCtx, pending); err != nil {
				return err
			}
			pending = pending[:0]

		case pkt := <-r.recvChan:
			pending = append(pending, pkt)
			if len(pending) >= sqliteBatchSize {
				if err := r.flush(dbCtx, pending); err != nil {
					return err
				}
				pending = pending[:0]
			}
		}
	}
}

func (r *SQLiteRecorder) flush(ctx context.Context, pending []*frame.Packet) error {
	if len(pending) == 0 {
		return nil
	}

	took, err := util.TimeOperation(func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin packets tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO packets(session_id, seq, at, payload) VALUES(?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare packet insert: %w", err)
		}
		defer stmt.Close()

		for _, pkt := range pending {
			if _, err := stmt.ExecContext(ctx, r.sessionID, int64(pkt.Seq), timeToUnixMillis(pkt.Timestamp), pkt.Data); err != nil {
				return fmt.Errorf("insert packet %d: %w", pkt.Seq, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit packets: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.count += int64(len(pending))

	r.metrics.WritePoint(influxdb2.NewPoint("sqlite.flush",
		map[string]string{"session_id": fmt.Sprint(r.sessionID)},
		map[string]interface{}{
			"packets": len(pending),
			"took_us": took.Microseconds(),
		}, time.Now()))
	return nil
}

func (r *SQLiteRecorder) closeSession(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET stopped_at = ?, packet_count = ? WHERE id = ?
	`, timeToUnixMillis(time.Now()), r.count, r.sessionID); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	log.Info().Int64("session_id", r.sessionID).Int64("packets", r.count).Msg("sqlite recording closed")
	return nil
}

func ListSessions(ctx context.Context, db *sql.DB) ([]SessionRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, source, packet_size, started_at, COALESCE(stopped_at, 0), packet_count
		FROM sessions
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var s SessionRecord
		var started, stopped int64
		if err := rows.Scan(&s.ID, &s.Source, &s.PacketSize, &started, &stopped, &s.PacketCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.StartedAt = unixMillisToTime(started)
		s.StoppedAt = unixMillisToTime(stopped)
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionPackets returns the packets of a session in sequence order.
func SessionPackets(ctx context.Context, db *sql.DB, sessionID int64) ([]*frame.Packet, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT seq, at, payload FROM packets WHERE session_id = ? ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list packets: %w", err)
	}
	defer rows.Close()

	var out []*frame.Packet
	for rows.Next() {
		var seq, at int64
		p := &frame.Packet{}
		if err := rows.Scan(&seq, &at, &p.Data); err != nil {
			return nil, fmt.Errorf("scan packet: %w", err)
		}
		p.Seq = uint64(seq)
		p.Timestamp = unixMillisToTime(at)
		out = append(out, p)
	}
	return out, rows.Err()
}

func timeToUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func unixMillisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
