// ABOUTME: Action log entity and store methods recording every automated action outcome
// ABOUTME: Records which message triggered what, and whether it ran, was suppressed, or failed

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionOutcome is the result of handling one oracle-proposed action.
type ActionOutcome string

const (
	OutcomeExecuted   ActionOutcome = "executed"
	OutcomeSuppressed ActionOutcome = "suppressed" // confidence below the floor
	OutcomeFailed     ActionOutcome = "failed"     // validation or storage error
	OutcomeIgnored    ActionOutcome = "ignored"    // unknown kind
)

// ActionRecord is a single action_log entry.
type ActionRecord struct {
	ID               string
	TenantID         string
	ConversationID   string
	TriggerMessageID string
	Kind             string
	Outcome          ActionOutcome
	Confidence       float64
	EntityID         string // created entity, empty unless executed
	Timestamp        time.Time
	Detail           map[string]any
}

// ActionRecordFilter specifies filtering options for listing action records.
type ActionRecordFilter struct {
	ConversationID   string
	TriggerMessageID string
	Outcome          ActionOutcome
	Limit            int // default 100, max 1000
}

// RecordAction appends an entry to the action log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) RecordAction(ctx context.Context, rec *ActionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if rec.Detail != nil {
		data, err := json.Marshal(rec.Detail)
		if err != nil {
			return fmt.Errorf("marshaling action detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO action_log (action_id, tenant_id, conversation_id, trigger_message_id, kind,
			outcome, confidence, entity_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.TenantID,
		rec.ConversationID,
		rec.TriggerMessageID,
		rec.Kind,
		string(rec.Outcome),
		rec.Confidence,
		nullString(rec.EntityID),
		formatTime(rec.Timestamp),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting action record: %w", err)
	}

	s.logger.Debug("recorded action",
		"id", rec.ID,
		"kind", rec.Kind,
		"outcome", rec.Outcome,
		"trigger", rec.TriggerMessageID,
	)
	return nil
}

// ListActionRecords returns action log entries matching the filter, oldest first.
func (s *SQLiteStore) ListActionRecords(ctx context.Context, f ActionRecordFilter) ([]*ActionRecord, error) {
	query := `
		SELECT action_id, tenant_id, conversation_id, trigger_message_id, kind,
			outcome, confidence, entity_id, ts, detail_json
		FROM action_log
		WHERE (? = '' OR conversation_id = ?)
		  AND (? = '' OR trigger_message_id = ?)
		  AND (? = '' OR outcome = ?)
		ORDER BY ts ASC, rowid ASC
		LIMIT ?
	`

	outcome := string(f.Outcome)
	rows, err := s.db.QueryContext(ctx, query,
		f.ConversationID, f.ConversationID,
		f.TriggerMessageID, f.TriggerMessageID,
		outcome, outcome,
		normalizeLimit(f.Limit, 100, 1000),
	)
	if err != nil {
		return nil, fmt.Errorf("querying action log: %w", err)
	}
	defer rows.Close()

	var records []*ActionRecord
	for rows.Next() {
		var rec ActionRecord
		var outcomeStr, ts string
		var entityID, detailJSON *string

		if err := rows.Scan(
			&rec.ID,
			&rec.TenantID,
			&rec.ConversationID,
			&rec.TriggerMessageID,
			&rec.Kind,
			&outcomeStr,
			&rec.Confidence,
			&entityID,
			&ts,
			&detailJSON,
		); err != nil {
			return nil, fmt.Errorf("scanning action record: %w", err)
		}

		rec.Outcome = ActionOutcome(outcomeStr)
		if entityID != nil {
			rec.EntityID = *entityID
		}
		if rec.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &rec.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating action log: %w", err)
	}
	return records, nil
}
