package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldrep/internal/domain"
)

// PostgresTrailRepository 轨迹样本Repository实现（trail_samples 表）
type PostgresTrailRepository struct {
	db *sql.DB
}

// NewPostgresTrailRepository 创建轨迹Repository
func NewPostgresTrailRepository(db *sql.DB) *PostgresTrailRepository {
	return &PostgresTrailRepository{db: db}
}

var _ TrailRepository = (*PostgresTrailRepository)(nil)

const trailColumns = `
			sample_id,
			rep_id,
			latitude,
			longitude,
			accuracy_meters,
			captured_at,
			source_tier,
			attempt_number,
			quality_score,
			accuracy_class`

// 单条 INSERT 的最大行数（10 列 * 500 < 65535 参数上限）
const trailInsertChunk = 500

// SaveSamples 批量写入样本
func (r *PostgresTrailRepository) SaveSamples(ctx context.Context, samples []domain.LocationSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(samples); start += trailInsertChunk {
		end := start + trailInsertChunk
		if end > len(samples) {
			end = len(samples)
		}
		query, args := buildTrailInsert(samples[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert trail samples: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trail samples: %w", err)
	}
	return nil
}

func buildTrailInsert(samples []domain.LocationSample) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO trail_samples (` + trailColumns + `
		) VALUES `)
	args := make([]any, 0, len(samples)*10)
	for i, s := range samples {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 10
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10))

		var accuracy any
		if s.AccuracyMeters != nil {
			accuracy = *s.AccuracyMeters
		}
		var class any
		if s.AccuracyClass != "" {
			class = string(s.AccuracyClass)
		}
		args = append(args,
			s.SampleID,
			s.RepID,
			s.Latitude,
			s.Longitude,
			accuracy,
			s.CapturedAt,
			string(s.SourceTier),
			s.AttemptNumber,
			s.QualityScore,
			class,
		)
	}
	sb.WriteString(" ON CONFLICT (sample_id) DO NOTHING")
	return sb.String(), args
}

// ListSamples 时间窗内的样本（升序）
func (r *PostgresTrailRepository) ListSamples(ctx context.Context, repID string, from, to time.Time, limit int) ([]domain.LocationSample, error) {
	args := []any{repID, from, to}
	query := `SELECT ` + trailColumns + `
		FROM trail_samples
		WHERE rep_id = $1 AND captured_at >= $2 AND captured_at < $3
		ORDER BY captured_at ASC, sample_id ASC`
	if limit > 0 {
		// 取最近的 limit 条，再按时间升序返回
		query = `SELECT * FROM (SELECT ` + trailColumns + `
		FROM trail_samples
		WHERE rep_id = $1 AND captured_at >= $2 AND captured_at < $3
		ORDER BY captured_at DESC, sample_id DESC
		LIMIT $4) recent
		ORDER BY captured_at ASC, sample_id ASC`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trail samples: %w", err)
	}
	defer rows.Close()

	samples := []domain.LocationSample{}
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trail sample: %w", err)
		}
		samples = append(samples, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trail samples: %w", err)
	}
	return samples, nil
}

// LatestSample 最近一个样本
func (r *PostgresTrailRepository) LatestSample(ctx context.Context, repID string) (*domain.LocationSample, error) {
	query := `SELECT ` + trailColumns + `
		FROM trail_samples
		WHERE rep_id = $1
		ORDER BY captured_at DESC, sample_id DESC
		LIMIT 1`
	s, err := scanSample(r.db.QueryRowContext(ctx, query, repID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest trail sample: %w", err)
	}
	return s, nil
}

func scanSample(row rowScanner) (*domain.LocationSample, error) {
	var s domain.LocationSample
	var accuracy sql.NullFloat64
	var tier string
	var class sql.NullString
	if err := row.Scan(
		&s.SampleID,
		&s.RepID,
		&s.Latitude,
		&s.Longitude,
		&accuracy,
		&s.CapturedAt,
		&tier,
		&s.AttemptNumber,
		&s.QualityScore,
		&class,
	); err != nil {
		return nil, err
	}
	s.SourceTier = domain.SourceTier(tier)
	if accuracy.Valid {
		v := accuracy.Float64
		s.AccuracyMeters = &v
	}
	if class.Valid {
		s.AccuracyClass = domain.AccuracyClass(class.String)
	}
	return &s, nil
}
