package scorecard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/qualitystars/internal/domain/aggregate"
	"github.com/ehr/qualitystars/internal/domain/evaluation"
	"github.com/ehr/qualitystars/internal/platform/db"
	"github.com/ehr/qualitystars/pkg/pagination"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type runStorePG struct{ pool *pgxpool.Pool }

// NewRunStorePG stores runs in postgres. The schema comes from Migrations.
func NewRunStorePG(pool *pgxpool.Pool) RunStore {
	return &runStorePG{pool: pool}
}

func (r *runStorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

var resultColumns = []string{
	"run_id", "seq", "member_id", "measure_code",
	"in_denominator", "denominator_reason", "excluded", "exclusion_reason",
	"in_numerator", "numerator_reason", "compliant", "has_gap",
	"priority_score", "estimated_value", "intervention_type", "bundle_id", "detail",
}

// Save replaces any earlier copy of the run in one transaction.
func (r *runStorePG) Save(ctx context.Context, run *Run) error {
	snap, err := json.Marshal(run.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	wl, err := json.Marshal(run.WorkList)
	if err != nil {
		return fmt.Errorf("encode work list: %w", err)
	}
	report, err := json.Marshal(run.Report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		s := run.Snapshot
		if _, err := q.Exec(ctx, `DELETE FROM quality_run WHERE run_id = $1`, s.RunID); err != nil {
			return fmt.Errorf("delete previous run: %w", err)
		}
		_, err := q.Exec(ctx, `
			INSERT INTO quality_run (run_id, fingerprint, catalog_version, contract_id,
				measurement_year, provisional, members, star_rating_current,
				star_rating_projected, hei_factor, revenue_estimate,
				snapshot, work_list, report, created_at)
			VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			s.RunID, s.Fingerprint, s.CatalogVersion, s.ContractID,
			s.MeasurementYear, s.Provisional, s.Members, s.StarRatingCurrent,
			s.StarRatingProjected, s.HEIFactor, s.RevenueEstimate,
			snap, wl, report, s.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		rows, err := resultRows(s.RunID, run.Results)
		if err != nil {
			return err
		}
		if _, err := q.CopyFrom(ctx, pgx.Identifier{"member_measure_result"}, resultColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy results: %w", err)
		}

		batch := &pgx.Batch{}
		for _, line := range s.MeasureBreakdown {
			batch.Queue(`
				INSERT INTO measure_summary (run_id, measure_code, denominator_count,
					exclusion_count, numerator_count, gap_count, rate, gap_rate, stars)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
				s.RunID, line.Measure, line.Denominator, line.Excluded, line.Numerator,
				line.Gaps, rateValue(line.Rate), rateValue(line.GapRate), line.Stars)
		}
		if err := q.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert measure summaries: %w", err)
		}
		return nil
	})
}

func resultRows(runID string, results []evaluation.Result) ([][]interface{}, error) {
	rows := make([][]interface{}, 0, len(results))
	for i := range results {
		res := &results[i]
		detail, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("encode result %s/%s: %w", res.MemberID, res.Measure, err)
		}
		rows = append(rows, []interface{}{
			runID, i, res.MemberID, res.Measure,
			res.InDenominator, string(res.DenominatorReason), res.Excluded, string(res.ExclusionReason),
			res.InNumerator, string(res.NumeratorReason), res.Compliant, res.HasGap,
			res.PriorityScore, res.EstimatedValue, nullable(res.InterventionType), nullable(res.BundleID), detail,
		})
	}
	return rows, nil
}

func rateValue(r aggregate.Rate) *float64 {
	v, ok := r.Value()
	if !ok {
		return nil
	}
	return &v
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Get rebuilds a run from its stored documents and result rows.
func (r *runStorePG) Get(ctx context.Context, runID string) (*Run, error) {
	var snap, wl, report []byte
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT snapshot, work_list, report FROM quality_run WHERE run_id = $1`, runID).
		Scan(&snap, &wl, &report)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}

	run := &Run{}
	if err := json.Unmarshal(snap, &run.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	run.Snapshot.restoreRates()
	if err := json.Unmarshal(wl, &run.WorkList); err != nil {
		return nil, fmt.Errorf("decode work list: %w", err)
	}
	if err := json.Unmarshal(report, &run.Report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT detail FROM member_measure_result WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var detail []byte
		if err := rows.Scan(&detail); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		var res evaluation.Result
		if err := json.Unmarshal(detail, &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		run.Results = append(run.Results, res)
	}
	return run, rows.Err()
}

func (r *runStorePG) List(ctx context.Context, f ListFilter, p pagination.Params) ([]Snapshot, int, error) {
	const where = `WHERE ($1 = '' OR contract_id = $1) AND ($2 = 0 OR measurement_year = $2)`

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM quality_run `+where, f.ContractID, f.Year).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT snapshot FROM quality_run `+where+` ORDER BY created_at DESC, run_id LIMIT $3 OFFSET $4`,
		f.ContractID, f.Year, p.Limit, p.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var items []Snapshot
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		var s Snapshot
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, 0, fmt.Errorf("decode snapshot: %w", err)
		}
		s.restoreRates()
		items = append(items, s)
	}
	return items, total, rows.Err()
}
