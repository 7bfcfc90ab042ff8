package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/callpilot/internal/db"
	"github.com/sells-group/callpilot/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const upsertCallEventSQL = `INSERT INTO call_events
	 (id, call_sid, status, direction, from_number, to_number, duration_sec, call_duration_sec, recording_url, recording_sid, last_event_at, created_at, updated_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	 ON CONFLICT (call_sid) DO UPDATE SET
	   status = CASE
	     WHEN NULLIF(EXCLUDED.status, '') IS NULL THEN call_events.status
	     WHEN call_events.status IN ('completed','failed','canceled','no-answer','busy')
	          AND EXCLUDED.status NOT IN ('completed','failed','canceled','no-answer','busy')
	       THEN call_events.status
	     ELSE EXCLUDED.status
	   END,
	   direction = COALESCE(NULLIF(EXCLUDED.direction, ''), call_events.direction),
	   from_number = COALESCE(NULLIF(EXCLUDED.from_number, ''), call_events.from_number),
	   to_number = COALESCE(NULLIF(EXCLUDED.to_number, ''), call_events.to_number),
	   duration_sec = COALESCE(EXCLUDED.duration_sec, call_events.duration_sec),
	   call_duration_sec = COALESCE(EXCLUDED.call_duration_sec, call_events.call_duration_sec),
	   recording_url = COALESCE(EXCLUDED.recording_url, call_events.recording_url),
	   recording_sid = COALESCE(EXCLUDED.recording_sid, call_events.recording_sid),
	   last_event_at = GREATEST(EXCLUDED.last_event_at, call_events.last_event_at),
	   updated_at = EXCLUDED.updated_at
	 RETURNING id, call_sid, status, direction, from_number, to_number, duration_sec, call_duration_sec, recording_url, recording_sid, last_event_at, created_at, updated_at`

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"upsert_call_event":   upsertCallEventSQL,
	"get_call_event":      `SELECT id, call_sid, status, direction, from_number, to_number, duration_sec, call_duration_sec, recording_url, recording_sid, last_event_at, created_at, updated_at FROM call_events WHERE call_sid = $1`,
	"insert_transcript":   `INSERT INTO conversation_transcripts (id, call_sid, role, content, provider_message_id, metrics, timestamp) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`,
	"find_callable_lead":  `SELECT id, name, email, phone, company, source, status, priority, notes, metadata, call_sid, last_contacted_at, created_at, updated_at FROM leads WHERE phone = $1 AND call_sid IS NULL ORDER BY created_at DESC LIMIT 1`,
	"claim_lead_for_call": `UPDATE leads SET call_sid = $1, updated_at = $2 WHERE id = $3 AND call_sid IS NULL`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name              TEXT NOT NULL DEFAULT '',
	email             TEXT NOT NULL DEFAULT '',
	phone             TEXT NOT NULL DEFAULT '',
	company           TEXT NOT NULL DEFAULT '',
	source            TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'new',
	priority          TEXT NOT NULL DEFAULT 'medium',
	notes             TEXT NOT NULL DEFAULT '',
	metadata          JSONB,
	call_sid          TEXT,
	last_contacted_at TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_leads_call_sid ON leads(call_sid) WHERE call_sid IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_leads_phone ON leads(phone);
CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status);

CREATE TABLE IF NOT EXISTS call_events (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	call_sid          TEXT NOT NULL UNIQUE,
	status            TEXT NOT NULL DEFAULT 'queued',
	direction         TEXT NOT NULL DEFAULT '',
	from_number       TEXT NOT NULL DEFAULT '',
	to_number         TEXT NOT NULL DEFAULT '',
	duration_sec      INTEGER,
	call_duration_sec INTEGER,
	recording_url     TEXT,
	recording_sid     TEXT,
	last_event_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_events_status ON call_events(status);
CREATE INDEX IF NOT EXISTS idx_call_events_to_number ON call_events(to_number);
CREATE INDEX IF NOT EXISTS idx_call_events_created_at ON call_events(created_at);

CREATE TABLE IF NOT EXISTS conversation_transcripts (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	call_sid            TEXT NOT NULL,
	role                TEXT NOT NULL,
	content             TEXT NOT NULL,
	provider_message_id TEXT,
	metrics             JSONB,
	timestamp           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_transcripts_call_msg ON conversation_transcripts(call_sid, provider_message_id) WHERE provider_message_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_transcripts_call_ts ON conversation_transcripts(call_sid, timestamp);

CREATE TABLE IF NOT EXISTS call_recordings (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	call_sid      TEXT NOT NULL,
	recording_sid TEXT NOT NULL UNIQUE,
	storage_path  TEXT NOT NULL DEFAULT '',
	duration_sec  INTEGER,
	size_bytes    BIGINT,
	status        TEXT NOT NULL DEFAULT 'pending',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_recordings_stored_call ON call_recordings(call_sid) WHERE status = 'stored';
CREATE INDEX IF NOT EXISTS idx_recordings_call_sid ON call_recordings(call_sid);

CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT 'operator',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertCallEvent(ctx context.Context, update CallEventUpdate) (*model.CallEvent, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	eventAt := update.EventAt
	if eventAt.IsZero() {
		eventAt = now
	}

	var ev model.CallEvent
	err := s.pool.QueryRow(ctx, upsertCallEventSQL,
		id, update.CallSID, string(update.Status), string(update.Direction),
		update.FromNumber, update.ToNumber, update.DurationSec, update.CallDurationSec,
		update.RecordingURL, update.RecordingSID, eventAt, now,
	).Scan(
		&ev.ID, &ev.CallSID, &ev.Status, &ev.Direction, &ev.FromNumber, &ev.ToNumber,
		&ev.DurationSec, &ev.CallDurationSec, &ev.RecordingURL, &ev.RecordingSID,
		&ev.LastEventAt, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert call event %s", update.CallSID)
	}
	return &ev, nil
}

func (s *PostgresStore) GetCallEvent(ctx context.Context, callSID string) (*model.CallEvent, error) {
	var ev model.CallEvent
	err := s.pool.QueryRow(ctx,
		`SELECT id, call_sid, status, direction, from_number, to_number, duration_sec, call_duration_sec, recording_url, recording_sid, last_event_at, created_at, updated_at
		 FROM call_events WHERE call_sid = $1`,
		callSID,
	).Scan(
		&ev.ID, &ev.CallSID, &ev.Status, &ev.Direction, &ev.FromNumber, &ev.ToNumber,
		&ev.DurationSec, &ev.CallDurationSec, &ev.RecordingURL, &ev.RecordingSID,
		&ev.LastEventAt, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get call event %s", callSID)
	}
	return &ev, nil
}

func (s *PostgresStore) CountCallsByStatus(ctx context.Context, since time.Time) (map[model.CallStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM call_events WHERE created_at >= $1 GROUP BY status`,
		since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count calls by status")
	}
	defer rows.Close()

	counts := make(map[model.CallStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan call count")
		}
		counts[model.CallStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count calls iterate")
}

func (s *PostgresStore) InsertTranscript(ctx context.Context, entry model.TranscriptEntry) (bool, error) {
	id := entry.ID
	if id == "" {
		id = uuid.New().String()
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var metrics []byte
	if len(entry.Metrics) > 0 {
		metrics = entry.Metrics
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_transcripts (id, call_sid, role, content, provider_message_id, metrics, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT DO NOTHING`,
		id, entry.CallSID, string(entry.Role), entry.Content, entry.ProviderMessageID, metrics, ts,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert transcript for %s", entry.CallSID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListTranscripts(ctx context.Context, callSID string) ([]model.TranscriptEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, call_sid, role, content, provider_message_id, metrics, timestamp
		 FROM conversation_transcripts WHERE call_sid = $1 ORDER BY timestamp ASC`,
		callSID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list transcripts for %s", callSID)
	}
	defer rows.Close()

	var entries []model.TranscriptEntry
	for rows.Next() {
		var e model.TranscriptEntry
		var metrics []byte
		if err := rows.Scan(&e.ID, &e.CallSID, &e.Role, &e.Content, &e.ProviderMessageID, &metrics, &e.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transcript")
		}
		if len(metrics) > 0 {
			e.Metrics = metrics
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list transcripts iterate")
}

func (s *PostgresStore) CreateLead(ctx context.Context, lead model.Lead) (*model.Lead, error) {
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	if lead.Status == "" {
		lead.Status = model.LeadStatusNew
	}
	if lead.Priority == "" {
		lead.Priority = model.LeadPriorityMedium
	}
	now := time.Now().UTC()
	lead.CreatedAt = now
	lead.UpdatedAt = now

	var metadata []byte
	if len(lead.Metadata) > 0 {
		metadata = lead.Metadata
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO leads (id, name, email, phone, company, source, status, priority, notes, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		lead.ID, lead.Name, lead.Email, lead.Phone, lead.Company, lead.Source,
		string(lead.Status), string(lead.Priority), lead.Notes, metadata, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert lead")
	}
	return &lead, nil
}

func (s *PostgresStore) LeadLinkedToCall(ctx context.Context, callSID string) (bool, error) {
	var linked bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM leads WHERE call_sid = $1)`,
		callSID,
	).Scan(&linked)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: lead linked to call %s", callSID)
	}
	return linked, nil
}

func (s *PostgresStore) FindCallableLeadByPhone(ctx context.Context, phone string) (*model.Lead, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, email, phone, company, source, status, priority, notes, metadata, call_sid, last_contacted_at, created_at, updated_at
		 FROM leads WHERE phone = $1 AND call_sid IS NULL
		 ORDER BY created_at DESC LIMIT 1`,
		phone,
	)
	lead, err := scanLead(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: find lead by phone %s", phone)
	}
	return lead, nil
}

func (s *PostgresStore) ClaimLeadForCall(ctx context.Context, leadID, callSID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET call_sid = $1, updated_at = $2 WHERE id = $3 AND call_sid IS NULL`,
		callSID, time.Now().UTC(), leadID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrCallSIDTaken
		}
		return false, eris.Wrapf(err, "postgres: claim lead %s", leadID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkLeadContacted(ctx context.Context, leadID, callSID string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET call_sid = $1, status = $2, last_contacted_at = $3, updated_at = $3 WHERE id = $4`,
		callSID, string(model.LeadStatusContacted), now, leadID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCallSIDTaken
		}
		return eris.Wrapf(err, "postgres: mark lead contacted %s", leadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("lead not found: %s", leadID)
	}
	return nil
}

func (s *PostgresStore) ListCallableLeads(ctx context.Context, limit int) ([]model.Lead, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, email, phone, company, source, status, priority, notes, metadata, call_sid, last_contacted_at, created_at, updated_at
		 FROM leads
		 WHERE status = 'new' AND call_sid IS NULL AND phone <> ''
		 ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list callable leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		leads = append(leads, *lead)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: list callable leads iterate")
}

func (s *PostgresStore) InsertRecording(ctx context.Context, rec model.CallRecording) (bool, error) {
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := rec.Status
	if status == "" {
		status = model.RecordingStatusPending
	}

	// recording_sid uniqueness makes webhook replays no-ops; the partial
	// unique index on call_sid surfaces a second stored recording as an
	// error instead of swallowing it.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO call_recordings (id, call_sid, recording_sid, storage_path, duration_sec, size_bytes, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (recording_sid) DO NOTHING`,
		id, rec.CallSID, rec.RecordingSID, rec.StoragePath, rec.DurationSec, rec.SizeBytes,
		string(status), time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, eris.Wrapf(ErrSecondStoredRecording, "call %s", rec.CallSID)
		}
		return false, eris.Wrapf(err, "postgres: insert recording %s", rec.RecordingSID)
	}
	return tag.RowsAffected() > 0, nil
}

// helpers

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var metadata []byte
	err := row.Scan(
		&l.ID, &l.Name, &l.Email, &l.Phone, &l.Company, &l.Source, &l.Status, &l.Priority,
		&l.Notes, &metadata, &l.CallSID, &l.LastContactedAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		l.Metadata = metadata
	}
	return &l, nil
}
