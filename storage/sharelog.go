package storage

import "fmt"

const (
	// OutcomeAccepted means the peer accepted the shared note.
	OutcomeAccepted = "accepted"
	// OutcomeRejected means the peer declined the shared note.
	OutcomeRejected = "rejected"
	// OutcomeFailed means the share did not reach a decision.
	OutcomeFailed = "failed"
)

// ShareLogEntry records one terminal outcome of an outbound share attempt.
type ShareLogEntry struct {
	ID           int64
	RequestID    string
	NoteID       string
	NoteTitle    string
	PeerDeviceID string
	Outcome      string
	Detail       string
	CreatedAt    int64
}

func validateShareOutcome(outcome string) error {
	switch outcome {
	case OutcomeAccepted, OutcomeRejected, OutcomeFailed:
		return nil
	default:
		return fmt.Errorf("invalid share outcome %q", outcome)
	}
}

// AppendShareLog records one outbound share outcome.
func (s *Store) AppendShareLog(entry ShareLogEntry) error {
	if err := validateShareOutcome(entry.Outcome); err != nil {
		return err
	}

	_, err := s.db.Exec(`
INSERT INTO share_log (request_id, note_id, note_title, peer_device_id, outcome, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?);`,
		entry.RequestID,
		entry.NoteID,
		entry.NoteTitle,
		entry.PeerDeviceID,
		entry.Outcome,
		entry.Detail,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append share log: %w", err)
	}
	return nil
}

// ListShareLog returns share outcomes, most recent first.
func (s *Store) ListShareLog(limit int) ([]ShareLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
SELECT id, request_id, note_id, note_title, peer_device_id, outcome, detail, created_at
FROM share_log
ORDER BY created_at DESC, id DESC
LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list share log: %w", err)
	}
	defer rows.Close()

	var entries []ShareLogEntry
	for rows.Next() {
		var entry ShareLogEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.NoteID,
			&entry.NoteTitle,
			&entry.PeerDeviceID,
			&entry.Outcome,
			&entry.Detail,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan share log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate share log: %w", err)
	}
	return entries, nil
}
