package postgres

import (
	"context"
	"fmt"
)

type MetricsTotals struct {
	Count          int64 `json:"count"`
	UniqueVisitors int64 `json:"unique_visitors"`
	Failed         int64 `json:"failed"`
}

type MetricsBucket struct {
	BucketStart    int64 `json:"bucket_start"`
	Count          int64 `json:"count"`
	UniqueVisitors int64 `json:"unique_visitors"`
	Failed         int64 `json:"failed"`
}

// Filter narrows metrics queries; empty fields mean "no filter".
type Filter struct {
	From, To  int64
	EventName string
	Channel   string
	Status    string
}

func (f Filter) where() (string, []any) {
	cond := "WHERE ts_epoch >= $1 AND ts_epoch <= $2"
	args := []any{f.From, f.To}
	idx := 3
	for _, c := range []struct{ col, val string }{
		{"event_name", f.EventName},
		{"channel", f.Channel},
		{"status", f.Status},
	} {
		if c.val == "" {
			continue
		}
		cond += fmt.Sprintf(" AND %s=$%d", c.col, idx)
		args = append(args, c.val)
		idx++
	}
	return cond, args
}

const aggregates = `COUNT(*)::bigint,
  COUNT(DISTINCT external_id)::bigint,
  COUNT(*) FILTER (WHERE status = 'failed')::bigint`

func (db *DB) QueryTotals(ctx context.Context, f Filter) (MetricsTotals, error) {
	var res MetricsTotals
	cond, args := f.where()
	sql := "SELECT " + aggregates + " FROM tracking_events " + cond
	row := db.Pool.QueryRow(ctx, sql, args...)
	if err := row.Scan(&res.Count, &res.UniqueVisitors, &res.Failed); err != nil {
		return res, fmt.Errorf("scan totals: %w", err)
	}
	return res, nil
}

func (db *DB) QueryBucketsDaily(ctx context.Context, f Filter) ([]MetricsBucket, error) {
	cond, args := f.where()
	sql := fmt.Sprintf(`
SELECT
  EXTRACT(EPOCH FROM date_trunc('day', to_timestamp(ts_epoch)))::bigint AS bucket_start,
  %s
FROM tracking_events
%s
GROUP BY 1
ORDER BY 1 ASC`, aggregates, cond)

	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MetricsBucket
	for rows.Next() {
		var b MetricsBucket
		if err := rows.Scan(&b.BucketStart, &b.Count, &b.UniqueVisitors, &b.Failed); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
