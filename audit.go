package edgeward

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// AuditRecord is one fire-and-forget structured record handed to the sink.
type AuditRecord struct {
	ID       string            `db:"id" json:"id"`
	Action   string            `db:"action" json:"action"`
	Status   int               `db:"status" json:"status"`
	Severity string            `db:"severity" json:"severity"`
	Actor    string            `db:"actor" json:"actor"`
	Resource string            `db:"resource" json:"resource"`
	Metadata map[string]string `db:"-" json:"metadata,omitempty"`
	Duration time.Duration     `db:"duration_ns" json:"duration"`
	At       time.Time         `db:"at" json:"at"`
}

// AuditSink accepts records without ever failing the request path. Append
// must not block and must swallow its own errors.
type AuditSink interface {
	Append(rec AuditRecord)
}

// NopAuditSink discards everything.
type NopAuditSink struct{}

func (NopAuditSink) Append(AuditRecord) {}

// LogAuditSink writes records to the structured log.
type LogAuditSink struct {
	Log zerolog.Logger
}

func (s LogAuditSink) Append(rec AuditRecord) {
	s.Log.Info().
		Str("action", rec.Action).
		Int("status", rec.Status).
		Str("actor", rec.Actor).
		Str("resource", rec.Resource).
		Dur("duration", rec.Duration).
		Msg("audit")
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id          TEXT PRIMARY KEY,
	action      TEXT NOT NULL,
	status      INTEGER NOT NULL,
	severity    TEXT NOT NULL,
	actor       TEXT NOT NULL,
	resource    TEXT NOT NULL,
	duration_ns INTEGER NOT NULL,
	at          DATETIME NOT NULL
);`

// SQLiteAuditSink is a bundled sink adapter: records go through a bounded
// channel to a single writer goroutine, and overflow is dropped and counted
// rather than ever stalling a request.
type SQLiteAuditSink struct {
	db      *sqlx.DB
	log     zerolog.Logger
	ch      chan AuditRecord
	dropped atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewSQLiteAuditSink(path string, log zerolog.Logger) (*SQLiteAuditSink, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLiteAuditSink{
		db:   db,
		log:  log,
		ch:   make(chan AuditRecord, 1024),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Append queues a record; when the buffer is full the record is dropped.
func (s *SQLiteAuditSink) Append(rec AuditRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	select {
	case s.ch <- rec:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many records overflow has discarded.
func (s *SQLiteAuditSink) Dropped() int64 { return s.dropped.Load() }

func (s *SQLiteAuditSink) writeLoop() {
	defer close(s.done)
	for {
		select {
		case rec := <-s.ch:
			s.insert(rec)
		case <-s.stop:
			for {
				select {
				case rec := <-s.ch:
					s.insert(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *SQLiteAuditSink) insert(rec AuditRecord) {
	_, err := s.db.NamedExec(`INSERT INTO audit_records
		(id, action, status, severity, actor, resource, duration_ns, at)
		VALUES (:id, :action, :status, :severity, :actor, :resource, :duration_ns, :at)`, rec)
	if err != nil {
		s.log.Warn().Err(err).Msg("audit insert failed")
	}
}

// Close drains the buffer and closes the database.
func (s *SQLiteAuditSink) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return s.db.Close()
}
