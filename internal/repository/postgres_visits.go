package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldrep/internal/domain"

	"github.com/lib/pq"
)

// PostgresVisitsRepository 拜访记录Repository实现
//
// check_in/completion/cancellation 以 JSONB 存储；checked_in_at 冗余一列供过期扫描使用。
type PostgresVisitsRepository struct {
	db *sql.DB
}

// NewPostgresVisitsRepository 创建拜访记录Repository
func NewPostgresVisitsRepository(db *sql.DB) *PostgresVisitsRepository {
	return &PostgresVisitsRepository{db: db}
}

// 确保实现了接口
var _ VisitsRepository = (*PostgresVisitsRepository)(nil)

const visitColumns = `
			visit_id::text,
			clinic_id,
			rep_id,
			visit_type,
			status,
			scheduled_at,
			check_in,
			low_confidence_presence,
			completion,
			cancellation,
			version,
			created_at,
			updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVisit(row rowScanner) (*domain.Visit, error) {
	var v domain.Visit
	var status string
	var checkIn, completion, cancellation []byte

	if err := row.Scan(
		&v.VisitID,
		&v.ClinicID,
		&v.RepID,
		&v.VisitType,
		&status,
		&v.ScheduledAt,
		&checkIn,
		&v.LowConfidencePresence,
		&completion,
		&cancellation,
		&v.Version,
		&v.CreatedAt,
		&v.UpdatedAt,
	); err != nil {
		return nil, err
	}
	v.Status = domain.VisitStatus(status)

	if len(checkIn) > 0 {
		v.CheckIn = &domain.VisitCheckIn{}
		if err := json.Unmarshal(checkIn, v.CheckIn); err != nil {
			return nil, fmt.Errorf("failed to decode check_in: %w", err)
		}
	}
	if len(completion) > 0 {
		v.Completion = &domain.VisitCompletion{}
		if err := json.Unmarshal(completion, v.Completion); err != nil {
			return nil, fmt.Errorf("failed to decode completion: %w", err)
		}
	}
	if len(cancellation) > 0 {
		v.Cancellation = &domain.VisitCancellation{}
		if err := json.Unmarshal(cancellation, v.Cancellation); err != nil {
			return nil, fmt.Errorf("failed to decode cancellation: %w", err)
		}
	}
	return &v, nil
}

// jsonColumn nil 指针写 NULL
func jsonColumn[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func checkedInAt(v *domain.Visit) any {
	if v.CheckIn == nil {
		return nil
	}
	return v.CheckIn.CheckedInAt
}

// CreateVisit 创建拜访
func (r *PostgresVisitsRepository) CreateVisit(ctx context.Context, visit *domain.Visit) error {
	if visit.VisitID == "" {
		return fmt.Errorf("visit_id is required")
	}
	checkIn, err := jsonColumn(visit.CheckIn)
	if err != nil {
		return fmt.Errorf("failed to encode check_in: %w", err)
	}

	query := `
		INSERT INTO visits (
			visit_id, clinic_id, rep_id, visit_type, status, scheduled_at,
			check_in, checked_in_at, low_confidence_presence,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.db.ExecContext(ctx, query,
		visit.VisitID,
		visit.ClinicID,
		visit.RepID,
		visit.VisitType,
		string(visit.Status),
		visit.ScheduledAt,
		checkIn,
		checkedInAt(visit),
		visit.LowConfidencePresence,
		visit.Version,
		visit.CreatedAt,
		visit.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("visit %s already exists: %w", visit.VisitID, domain.ErrConcurrencyConflict)
		}
		return fmt.Errorf("failed to create visit: %w", err)
	}
	return nil
}

// GetVisit 获取拜访
func (r *PostgresVisitsRepository) GetVisit(ctx context.Context, visitID string) (*domain.Visit, error) {
	if visitID == "" {
		return nil, domain.ErrVisitNotFound
	}
	query := `SELECT ` + visitColumns + `
		FROM visits
		WHERE visit_id = $1
	`
	v, err := scanVisit(r.db.QueryRowContext(ctx, query, visitID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("visit %s: %w", visitID, domain.ErrVisitNotFound)
		}
		return nil, fmt.Errorf("failed to get visit: %w", err)
	}
	return v, nil
}

// ListVisits 批量查询拜访（支持过滤和分页）
func (r *PostgresVisitsRepository) ListVisits(ctx context.Context, filters *VisitFilters, page, size int) ([]*domain.Visit, int, error) {
	where := []string{"1=1"}
	args := []any{}
	argN := 1

	if filters != nil {
		if filters.RepID != "" {
			where = append(where, fmt.Sprintf("rep_id = $%d", argN))
			args = append(args, filters.RepID)
			argN++
		}
		if filters.ClinicID != "" {
			where = append(where, fmt.Sprintf("clinic_id = $%d", argN))
			args = append(args, filters.ClinicID)
			argN++
		}
		if filters.VisitType != "" {
			where = append(where, fmt.Sprintf("visit_type = $%d", argN))
			args = append(args, filters.VisitType)
			argN++
		}
		if filters.Status != "" {
			where = append(where, fmt.Sprintf("status = $%d", argN))
			args = append(args, string(filters.Status))
			argN++
		}
		if filters.From != nil {
			where = append(where, fmt.Sprintf("scheduled_at >= $%d", argN))
			args = append(args, *filters.From)
			argN++
		}
		if filters.To != nil {
			where = append(where, fmt.Sprintf("scheduled_at < $%d", argN))
			args = append(args, *filters.To)
			argN++
		}
	}

	// 查询总数
	queryCount := `
		SELECT COUNT(*)
		FROM visits
		WHERE ` + strings.Join(where, " AND ")
	var total int
	if err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count visits: %w", err)
	}

	page, size = normalizePage(page, size)
	offset := (page - 1) * size

	argsList := append(args, size, offset)
	query := `SELECT ` + visitColumns + `
		FROM visits
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY scheduled_at ASC, visit_id ASC
		LIMIT $` + fmt.Sprintf("%d", argN) + ` OFFSET $` + fmt.Sprintf("%d", argN+1)

	visits, err := r.queryVisits(ctx, query, argsList...)
	if err != nil {
		return nil, 0, err
	}
	return visits, total, nil
}

// ListRepVisitsBetween 代表在时间窗内的全部拜访
func (r *PostgresVisitsRepository) ListRepVisitsBetween(ctx context.Context, repID string, from, to time.Time) ([]*domain.Visit, error) {
	query := `SELECT ` + visitColumns + `
		FROM visits
		WHERE rep_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3
		ORDER BY scheduled_at ASC
	`
	return r.queryVisits(ctx, query, repID, from, to)
}

// ListUpcoming 未来的 planned 拜访
func (r *PostgresVisitsRepository) ListUpcoming(ctx context.Context, repID string, after time.Time, limit int) ([]*domain.Visit, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + visitColumns + `
		FROM visits
		WHERE rep_id = $1 AND status = $2 AND scheduled_at >= $3
		ORDER BY scheduled_at ASC
		LIMIT $4
	`
	return r.queryVisits(ctx, query, repID, string(domain.VisitPlanned), after, limit)
}

// ListStaleCheckIns 超时未完成的签到
func (r *PostgresVisitsRepository) ListStaleCheckIns(ctx context.Context, before time.Time, limit int) ([]*domain.Visit, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + visitColumns + `
		FROM visits
		WHERE status = $1 AND checked_in_at < $2
		ORDER BY checked_in_at ASC
		LIMIT $3
	`
	return r.queryVisits(ctx, query, string(domain.VisitCheckedIn), before, limit)
}

// UpdateVisit 乐观锁更新
func (r *PostgresVisitsRepository) UpdateVisit(ctx context.Context, visit *domain.Visit, expectedVersion int) error {
	checkIn, err := jsonColumn(visit.CheckIn)
	if err != nil {
		return fmt.Errorf("failed to encode check_in: %w", err)
	}
	completion, err := jsonColumn(visit.Completion)
	if err != nil {
		return fmt.Errorf("failed to encode completion: %w", err)
	}
	cancellation, err := jsonColumn(visit.Cancellation)
	if err != nil {
		return fmt.Errorf("failed to encode cancellation: %w", err)
	}

	query := `
		UPDATE visits SET
			status = $1,
			check_in = $2,
			checked_in_at = $3,
			low_confidence_presence = $4,
			completion = $5,
			cancellation = $6,
			version = version + 1,
			updated_at = $7
		WHERE visit_id = $8 AND version = $9
	`
	result, err := r.db.ExecContext(ctx, query,
		string(visit.Status),
		checkIn,
		checkedInAt(visit),
		visit.LowConfidencePresence,
		completion,
		cancellation,
		visit.UpdatedAt,
		visit.VisitID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update visit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("visit %s version %d: %w", visit.VisitID, expectedVersion, domain.ErrConcurrencyConflict)
	}
	visit.Version = expectedVersion + 1
	return nil
}

func (r *PostgresVisitsRepository) queryVisits(ctx context.Context, query string, args ...any) ([]*domain.Visit, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list visits: %w", err)
	}
	defer rows.Close()

	visits := []*domain.Visit{}
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		visits = append(visits, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate visits: %w", err)
	}
	return visits, nil
}
