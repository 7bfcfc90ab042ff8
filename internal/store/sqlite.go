package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/callpilot/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	email             TEXT NOT NULL DEFAULT '',
	phone             TEXT NOT NULL DEFAULT '',
	company           TEXT NOT NULL DEFAULT '',
	source            TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'new',
	priority          TEXT NOT NULL DEFAULT 'medium',
	notes             TEXT NOT NULL DEFAULT '',
	metadata          TEXT,
	call_sid          TEXT,
	last_contacted_at DATETIME,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_leads_call_sid ON leads(call_sid) WHERE call_sid IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_leads_phone ON leads(phone);
CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status);

CREATE TABLE IF NOT EXISTS call_events (
	id                TEXT PRIMARY KEY,
	call_sid          TEXT NOT NULL UNIQUE,
	status            TEXT NOT NULL DEFAULT 'queued',
	direction         TEXT NOT NULL DEFAULT '',
	from_number       TEXT NOT NULL DEFAULT '',
	to_number         TEXT NOT NULL DEFAULT '',
	duration_sec      INTEGER,
	call_duration_sec INTEGER,
	recording_url     TEXT,
	recording_sid     TEXT,
	last_event_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_call_events_status ON call_events(status);
CREATE INDEX IF NOT EXISTS idx_call_events_to_number ON call_events(to_number);
CREATE INDEX IF NOT EXISTS idx_call_events_created_at ON call_events(created_at);

CREATE TABLE IF NOT EXISTS conversation_transcripts (
	id                  TEXT PRIMARY KEY,
	call_sid            TEXT NOT NULL,
	role                TEXT NOT NULL,
	content             TEXT NOT NULL,
	provider_message_id TEXT,
	metrics             TEXT,
	timestamp           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_transcripts_call_msg ON conversation_transcripts(call_sid, provider_message_id) WHERE provider_message_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_transcripts_call_ts ON conversation_transcripts(call_sid, timestamp);

CREATE TABLE IF NOT EXISTS call_recordings (
	id            TEXT PRIMARY KEY,
	call_sid      TEXT NOT NULL,
	recording_sid TEXT NOT NULL UNIQUE,
	storage_path  TEXT NOT NULL DEFAULT '',
	duration_sec  INTEGER,
	size_bytes    INTEGER,
	status        TEXT NOT NULL DEFAULT 'pending',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_recordings_stored_call ON call_recordings(call_sid) WHERE status = 'stored';
CREATE INDEX IF NOT EXISTS idx_recordings_call_sid ON call_recordings(call_sid);

CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT 'operator',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertCallEvent(ctx context.Context, update CallEventUpdate) (*model.CallEvent, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	eventAt := update.EventAt
	if eventAt.IsZero() {
		eventAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_events
		 (id, call_sid, status, direction, from_number, to_number, duration_sec, call_duration_sec, recording_url, recording_sid, last_event_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_sid) DO UPDATE SET
		   status = CASE
		     WHEN NULLIF(excluded.status, '') IS NULL THEN call_events.status
		     WHEN call_events.status IN ('completed','failed','canceled','no-answer','busy')
		          AND excluded.status NOT IN ('completed','failed','canceled','no-answer','busy')
		       THEN call_events.status
		     ELSE excluded.status
		   END,
		   direction = COALESCE(NULLIF(excluded.direction, ''), call_events.direction),
		   from_number = COALESCE(NULLIF(excluded.from_number, ''), call_events.from_number),
		   to_number = COALESCE(NULLIF(excluded.to_number, ''), call_events.to_number),
		   duration_sec = COALESCE(excluded.duration_sec, call_events.duration_sec),
		   call_duration_sec = COALESCE(excluded.call_duration_sec, call_events.call_duration_sec),
		   recording_url = COALESCE(excluded.recording_url, call_events.recording_url),
		   recording_sid = COALESCE(excluded.recording_sid, call_events.recording_sid),
		   last_event_at = MAX(excluded.last_event_at, call_events.last_event_at),
		   updated_at = excluded.updated_at`,
		id, update.CallSID, string(update.Status), string(update.Direction),
		update.FromNumber, update.ToNumber, update.DurationSec, update.CallDurationSec,
		update.RecordingURL, update.RecordingSID, eventAt, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert call event %s", update.CallSID)
	}
	return s.GetCallEvent(ctx, update.CallSID)
}

func (s *SQLiteStore) GetCallEvent(ctx context.Context, callSID string) (*model.CallEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, call_sid, status, direction, from_number, to_number, duration_sec, call_duration_sec, recording_url, recording_sid, last_event_at, created_at, updated_at
		 FROM call_events WHERE call_sid = ?`,
		callSID,
	)

	var ev model.CallEvent
	err := row.Scan(
		&ev.ID, &ev.CallSID, &ev.Status, &ev.Direction, &ev.FromNumber, &ev.ToNumber,
		&ev.DurationSec, &ev.CallDurationSec, &ev.RecordingURL, &ev.RecordingSID,
		&ev.LastEventAt, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get call event %s", callSID)
	}
	return &ev, nil
}

func (s *SQLiteStore) CountCallsByStatus(ctx context.Context, since time.Time) (map[model.CallStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM call_events WHERE created_at >= ? GROUP BY status`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count calls by status")
	}
	defer rows.Close()

	counts := make(map[model.CallStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan call count")
		}
		counts[model.CallStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count calls iterate")
}

func (s *SQLiteStore) InsertTranscript(ctx context.Context, entry model.TranscriptEntry) (bool, error) {
	id := entry.ID
	if id == "" {
		id = uuid.New().String()
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var metrics *string
	if len(entry.Metrics) > 0 {
		m := string(entry.Metrics)
		metrics = &m
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversation_transcripts (id, call_sid, role, content, provider_message_id, metrics, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, entry.CallSID, string(entry.Role), entry.Content, entry.ProviderMessageID, metrics, ts,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert transcript for %s", entry.CallSID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListTranscripts(ctx context.Context, callSID string) ([]model.TranscriptEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_sid, role, content, provider_message_id, metrics, timestamp
		 FROM conversation_transcripts WHERE call_sid = ? ORDER BY timestamp ASC`,
		callSID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list transcripts for %s", callSID)
	}
	defer rows.Close()

	var entries []model.TranscriptEntry
	for rows.Next() {
		var e model.TranscriptEntry
		var metrics sql.NullString
		if err := rows.Scan(&e.ID, &e.CallSID, &e.Role, &e.Content, &e.ProviderMessageID, &metrics, &e.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transcript")
		}
		if metrics.Valid {
			e.Metrics = []byte(metrics.String)
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list transcripts iterate")
}

func (s *SQLiteStore) CreateLead(ctx context.Context, lead model.Lead) (*model.Lead, error) {
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

	var metadata *string
	if len(lead.Metadata) > 0 {
		m := string(lead.Metadata)
		metadata = &m
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (id, name, email, phone, company, source, status, priority, notes, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.Name, lead.Email, lead.Phone, lead.Company, lead.Source,
		string(lead.Status), string(lead.Priority), lead.Notes, metadata, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert lead")
	}
	return &lead, nil
}

func (s *SQLiteStore) LeadLinkedToCall(ctx context.Context, callSID string) (bool, error) {
	var linked bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM leads WHERE call_sid = ?)`,
		callSID,
	).Scan(&linked)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: lead linked to call %s", callSID)
	}
	return linked, nil
}

func (s *SQLiteStore) FindCallableLeadByPhone(ctx context.Context, phone string) (*model.Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, phone, company, source, status, priority, notes, metadata, call_sid, last_contacted_at, created_at, updated_at
		 FROM leads WHERE phone = ? AND call_sid IS NULL
		 ORDER BY created_at DESC LIMIT 1`,
		phone,
	)
	lead, err := scanSQLiteLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find lead by phone %s", phone)
	}
	return lead, nil
}

func (s *SQLiteStore) ClaimLeadForCall(ctx context.Context, leadID, callSID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET call_sid = ?, updated_at = ? WHERE id = ? AND call_sid IS NULL`,
		callSID, time.Now().UTC(), leadID,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return false, ErrCallSIDTaken
		}
		return false, eris.Wrapf(err, "sqlite: claim lead %s", leadID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkLeadContacted(ctx context.Context, leadID, callSID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET call_sid = ?, status = ?, last_contacted_at = ?, updated_at = ? WHERE id = ?`,
		callSID, string(model.LeadStatusContacted), now, now, leadID,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrCallSIDTaken
		}
		return eris.Wrapf(err, "sqlite: mark lead contacted %s", leadID)
	}
	return checkRowsAffected(res, "lead", leadID)
}

func (s *SQLiteStore) ListCallableLeads(ctx context.Context, limit int) ([]model.Lead, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, email, phone, company, source, status, priority, notes, metadata, call_sid, last_contacted_at, created_at, updated_at
		 FROM leads
		 WHERE status = 'new' AND call_sid IS NULL AND phone <> ''
		 ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, created_at ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list callable leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		lead, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		leads = append(leads, *lead)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list callable leads iterate")
}

func (s *SQLiteStore) InsertRecording(ctx context.Context, rec model.CallRecording) (bool, error) {
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := rec.Status
	if status == "" {
		status = model.RecordingStatusPending
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO call_recordings (id, call_sid, recording_sid, storage_path, duration_sec, size_bytes, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.CallSID, rec.RecordingSID, rec.StoragePath, rec.DurationSec, rec.SizeBytes,
		string(status), time.Now().UTC(), time.Now().UTC(),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			// Same recording SID means a webhook replay; a call_sid hit on
			// the stored-recording index means a second stored recording.
			if strings.Contains(err.Error(), "recording_sid") {
				return false, nil
			}
			return false, eris.Wrapf(ErrSecondStoredRecording, "call %s", rec.CallSID)
		}
		return false, eris.Wrapf(err, "sqlite: insert recording %s", rec.RecordingSID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func scanSQLiteLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var metadata sql.NullString
	err := row.Scan(
		&l.ID, &l.Name, &l.Email, &l.Phone, &l.Company, &l.Source, &l.Status, &l.Priority,
		&l.Notes, &metadata, &l.CallSID, &l.LastContactedAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if metadata.Valid {
		l.Metadata = []byte(metadata.String)
	}
	return &l, nil
}
