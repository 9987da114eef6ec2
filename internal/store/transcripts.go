package store

import (
	"database/sql"
	"fmt"
	"time"
)

// TranscriptEntry is a sequenced record of a message and its parts (§3, §9
// "transcript as append-only log"): entries are only ever appended, though
// UpsertTranscriptEntryPayload can overwrite an entry's payload in place as
// streamed deltas arrive. The canonical transcript
// for a session is the concatenation of its entries ordered by sequence.
type TranscriptEntry struct {
	ID       string
	SessionID string
	Sequence int64
	Role     string // user, assistant, system, tool
	Payload  string // normalized message, opaque JSON
	Created  time.Time
}

const transcriptCols = `id, session_id, sequence, role, payload, created`

func scanTranscriptEntry(row interface{ Scan(dest ...any) error }) (TranscriptEntry, error) {
	var e TranscriptEntry
	err := row.Scan(&e.ID, &e.SessionID, &e.Sequence, &e.Role, &e.Payload, &e.Created)
	return e, err
}

// NextSequence returns the next dense sequence number for a session
// (§3 invariant: sequences are {0, 1, ..., n-1} with no gaps).
func (s *Store) NextSequence(sessionID string) (int64, error) {
	var maxSeq sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(sequence) FROM transcript_entries WHERE session_id = ?`, sessionID).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("store: next sequence: %w", err)
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	return maxSeq.Int64 + 1, nil
}

// AppendTranscriptEntry appends a new entry at the given sequence. Callers
// must have computed sequence via NextSequence (or a known value on
// upsert-by-id) within the same logical turn to preserve density.
func (s *Store) AppendTranscriptEntry(e TranscriptEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO transcript_entries (id, session_id, sequence, role, payload) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Sequence, e.Role, e.Payload,
	)
	if err != nil {
		return fmt.Errorf("store: append transcript entry: %w", err)
	}
	return nil
}

// UpsertTranscriptEntryPayload overwrites the payload of an existing entry
// (by transcript-entry id), used when the Event Ingester merges streamed
// deltas into an already-appended message. Idempotent: safe to call after a
// reconnect replays an already-applied update.
func (s *Store) UpsertTranscriptEntryPayload(id, payload string) error {
	_, err := s.db.Exec(`UPDATE transcript_entries SET payload = ? WHERE id = ?`, payload, id)
	if err != nil {
		return fmt.Errorf("store: upsert transcript entry payload: %w", err)
	}
	return nil
}

// GetTranscriptEntry returns a single entry by its id.
func (s *Store) GetTranscriptEntry(id string) (*TranscriptEntry, error) {
	row := s.db.QueryRow(`SELECT `+transcriptCols+` FROM transcript_entries WHERE id = ?`, id)
	e, err := scanTranscriptEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get transcript entry: %w", err)
	}
	return &e, nil
}

// ListTranscript returns the full, ordered transcript for a session.
func (s *Store) ListTranscript(sessionID string) ([]TranscriptEntry, error) {
	rows, err := s.db.Query(`SELECT `+transcriptCols+` FROM transcript_entries WHERE session_id = ? ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list transcript: %w", err)
	}
	defer rows.Close()

	var out []TranscriptEntry
	for rows.Next() {
		e, err := scanTranscriptEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan transcript entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastTranscriptEntry returns the most recent entry in a session's
// transcript, or nil if the transcript is empty.
func (s *Store) LastTranscriptEntry(sessionID string) (*TranscriptEntry, error) {
	row := s.db.QueryRow(`SELECT `+transcriptCols+` FROM transcript_entries WHERE session_id = ? ORDER BY sequence DESC LIMIT 1`, sessionID)
	e, err := scanTranscriptEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: last transcript entry: %w", err)
	}
	return &e, nil
}
