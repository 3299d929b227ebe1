package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"example.com/landingtrack/internal/domain"
	"example.com/landingtrack/internal/idempotency"
)

var recordColumns = []string{
	"event_id", "base_event_id", "event_name", "channel", "status",
	"ts_epoch", "fingerprint", "external_id", "error", "payload",
}

type Writer struct {
	db *DB
}

func NewWriter(db *DB) *Writer { return &Writer{db: db} }

// InsertBatch inserts finished channel records with ON CONFLICT DO NOTHING,
// so a record written twice is stored once.
func (w *Writer) InsertBatch(ctx context.Context, recs []domain.EventRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	sql, args := insertStatement(recs)
	ct, err := w.db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func insertStatement(recs []domain.EventRecord) (string, []any) {
	placeholders := make([]string, 0, len(recs))
	args := make([]any, 0, len(recs)*len(recordColumns))

	argi := 1
	for _, rec := range recs {
		ph := make([]string, 0, len(recordColumns))
		add := func(v any, cast string) {
			args = append(args, v)
			ph = append(ph, fmt.Sprintf("$%d%s", argi, cast))
			argi++
		}

		add(rec.EventID, "")
		add(idempotency.BaseOf(rec.EventID, rec.Channel), "")
		add(string(rec.EventName), "")
		add(string(rec.Channel), "")
		add(string(rec.Status), "")
		add(rec.Timestamp.Unix(), "")
		add(rec.Fingerprint, "")

		// optionals
		var externalID, errMsg, payload any
		if rec.Data != nil {
			if rec.Data.UserData.ExternalID != "" {
				externalID = rec.Data.UserData.ExternalID
			}
			// PII stays out of the audit log; only the custom data is kept
			if b, err := json.Marshal(rec.Data.CustomData); err == nil {
				payload = string(b)
			}
		}
		if rec.Error != "" {
			errMsg = rec.Error
		}
		add(externalID, "")
		add(errMsg, "")
		add(payload, "::jsonb")

		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")
	}

	sql := "INSERT INTO tracking_events (" + strings.Join(recordColumns, ",") + ") VALUES " +
		strings.Join(placeholders, ",") +
		" ON CONFLICT (event_id) DO NOTHING"
	return sql, args
}
