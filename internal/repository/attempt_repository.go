package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dhoini/Dunning-microservice/internal/domain"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

// AttemptRepository интерфейс журнала попыток взыскания (append-only)
type AttemptRepository interface {
	ListByInvoice(ctx context.Context, tenantID string, invoiceID uuid.UUID) ([]domain.DunningAttempt, error)
	Create(ctx context.Context, attempt domain.DunningAttempt) (domain.DunningAttempt, error)

	// MarkAllForInvoice переводит все попытки счета в заданный статус
	// (закрытие после успешной оплаты либо abandon при исчерпании лимита)
	MarkAllForInvoice(ctx context.Context, tenantID string, invoiceID uuid.UUID, status domain.AttemptStatus) error

	// ClaimDue атомарно захватывает до limit просроченных попыток,
	// переводя их failed -> retrying. Конкурентный проход сканера не
	// сможет захватить уже захваченные строки.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.DunningAttempt, error)

	// Release возвращает захваченную попытку retrying -> failed, чтобы
	// неуспешный или аварийно завершившийся ретрай не застрял навсегда
	Release(ctx context.Context, id uuid.UUID) error
}

// InMemoryAttemptRepository реализация журнала попыток в памяти
type InMemoryAttemptRepository struct {
	attempts map[uuid.UUID]domain.DunningAttempt
	mutex    sync.RWMutex
	log      *logger.Logger
}

// NewInMemoryAttemptRepository создает новый журнал попыток в памяти
func NewInMemoryAttemptRepository(log *logger.Logger) *InMemoryAttemptRepository {
	return &InMemoryAttemptRepository{
		attempts: make(map[uuid.UUID]domain.DunningAttempt),
		log:      log,
	}
}

// ListByInvoice возвращает попытки счета в порядке номеров
func (r *InMemoryAttemptRepository) ListByInvoice(ctx context.Context, tenantID string, invoiceID uuid.UUID) ([]domain.DunningAttempt, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var attempts []domain.DunningAttempt
	for _, attempt := range r.attempts {
		if attempt.TenantID == tenantID && attempt.InvoiceID == invoiceID {
			attempts = append(attempts, attempt)
		}
	}

	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].AttemptNumber < attempts[j].AttemptNumber
	})

	return attempts, nil
}

// Create добавляет новую попытку в журнал
func (r *InMemoryAttemptRepository) Create(ctx context.Context, attempt domain.DunningAttempt) (domain.DunningAttempt, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}

	// Номера попыток счета уникальны
	for _, existing := range r.attempts {
		if existing.InvoiceID == attempt.InvoiceID && existing.AttemptNumber == attempt.AttemptNumber {
			return domain.DunningAttempt{}, ErrDuplicate
		}
	}

	attempt.CreatedAt = time.Now()
	attempt.UpdatedAt = time.Now()
	r.attempts[attempt.ID] = attempt

	return attempt, nil
}

// MarkAllForInvoice переводит все попытки счета в заданный статус
func (r *InMemoryAttemptRepository) MarkAllForInvoice(ctx context.Context, tenantID string, invoiceID uuid.UUID, status domain.AttemptStatus) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for id, attempt := range r.attempts {
		if attempt.TenantID == tenantID && attempt.InvoiceID == invoiceID {
			attempt.Status = status
			attempt.UpdatedAt = time.Now()
			r.attempts[id] = attempt
		}
	}

	return nil
}

// ClaimDue захватывает просроченные попытки, переводя их в retrying
func (r *InMemoryAttemptRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.DunningAttempt, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var due []domain.DunningAttempt
	for _, attempt := range r.attempts {
		if attempt.Status == domain.AttemptStatusFailed && !attempt.NextAttemptDate.After(now) {
			due = append(due, attempt)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptDate.Before(due[j].NextAttemptDate)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for i, attempt := range due {
		attempt.Status = domain.AttemptStatusRetrying
		attempt.UpdatedAt = time.Now()
		r.attempts[attempt.ID] = attempt
		due[i] = attempt
	}

	return due, nil
}

// Release возвращает захваченную попытку в failed
func (r *InMemoryAttemptRepository) Release(ctx context.Context, id uuid.UUID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	attempt, exists := r.attempts[id]
	if !exists {
		return ErrNotFound
	}
	if attempt.Status != domain.AttemptStatusRetrying {
		return nil // Уже закрыта другим путем
	}

	attempt.Status = domain.AttemptStatusFailed
	attempt.UpdatedAt = time.Now()
	r.attempts[id] = attempt

	return nil
}

// PostgresAttemptRepository реализация журнала попыток через PostgreSQL
type PostgresAttemptRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresAttemptRepository создает новый журнал попыток через PostgreSQL
func NewPostgresAttemptRepository(db *pgxpool.Pool, log *logger.Logger) *PostgresAttemptRepository {
	return &PostgresAttemptRepository{
		db:  db,
		log: log,
	}
}

const attemptColumns = `
	id, tenant_id, invoice_id, attempt_number,
	status, failure_reason, attempt_date, next_attempt_date,
	created_at, updated_at
`

// scanAttempt маппит строку таблицы в доменную структуру
func scanAttempt(row pgx.Row) (domain.DunningAttempt, error) {
	var attempt domain.DunningAttempt

	err := row.Scan(
		&attempt.ID,
		&attempt.TenantID,
		&attempt.InvoiceID,
		&attempt.AttemptNumber,
		&attempt.Status,
		&attempt.FailureReason,
		&attempt.AttemptDate,
		&attempt.NextAttemptDate,
		&attempt.CreatedAt,
		&attempt.UpdatedAt,
	)
	if err != nil {
		return domain.DunningAttempt{}, err
	}

	return attempt, nil
}

// ListByInvoice возвращает попытки счета в порядке номеров
func (r *PostgresAttemptRepository) ListByInvoice(ctx context.Context, tenantID string, invoiceID uuid.UUID) ([]domain.DunningAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM dunning_attempts
		WHERE tenant_id = $1 AND invoice_id = $2
		ORDER BY attempt_number ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dunning attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.DunningAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dunning attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dunning attempts: %w", err)
	}

	return attempts, nil
}

// Create добавляет новую попытку в журнал
func (r *PostgresAttemptRepository) Create(ctx context.Context, attempt domain.DunningAttempt) (domain.DunningAttempt, error) {
	query := `
		INSERT INTO dunning_attempts (
			id, tenant_id, invoice_id, attempt_number,
			status, failure_reason, attempt_date, next_attempt_date,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $9
		)
		RETURNING id, created_at, updated_at
	`

	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}

	err := r.db.QueryRow(
		ctx,
		query,
		attempt.ID,
		attempt.TenantID,
		attempt.InvoiceID,
		attempt.AttemptNumber,
		attempt.Status,
		attempt.FailureReason,
		attempt.AttemptDate,
		attempt.NextAttemptDate,
		time.Now(),
	).Scan(
		&attempt.ID,
		&attempt.CreatedAt,
		&attempt.UpdatedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// Нарушение уникальности: номер попытки счета уже занят
			if pgErr.Code == "23505" {
				return domain.DunningAttempt{}, ErrDuplicate
			}
		}
		return domain.DunningAttempt{}, fmt.Errorf("failed to create dunning attempt: %w", err)
	}

	return attempt, nil
}

// MarkAllForInvoice переводит все попытки счета в заданный статус
func (r *PostgresAttemptRepository) MarkAllForInvoice(ctx context.Context, tenantID string, invoiceID uuid.UUID, status domain.AttemptStatus) error {
	query := `
		UPDATE dunning_attempts
		SET status = $1, updated_at = $2
		WHERE tenant_id = $3 AND invoice_id = $4
	`

	_, err := r.db.Exec(ctx, query, status, time.Now(), tenantID, invoiceID)
	if err != nil {
		return fmt.Errorf("failed to mark dunning attempts: %w", err)
	}

	return nil
}

// ClaimDue атомарно захватывает просроченные попытки. SKIP LOCKED
// гарантирует, что два конкурентных прохода сканера не возьмут одну
// и ту же строку, а условие status = 'failed' делает захват CAS-ом.
func (r *PostgresAttemptRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.DunningAttempt, error) {
	query := `
		UPDATE dunning_attempts
		SET status = 'retrying', updated_at = $1
		WHERE id IN (
			SELECT id FROM dunning_attempts
			WHERE status = 'failed' AND next_attempt_date <= $1
			ORDER BY next_attempt_date ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + attemptColumns + `
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.DunningAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed attempts: %w", err)
	}

	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].NextAttemptDate.Before(attempts[j].NextAttemptDate)
	})

	return attempts, nil
}

// Release возвращает захваченную попытку retrying -> failed
func (r *PostgresAttemptRepository) Release(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE dunning_attempts
		SET status = 'failed', updated_at = $1
		WHERE id = $2 AND status = 'retrying'
	`

	result, err := r.db.Exec(ctx, query, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to release dunning attempt: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Попытка уже закрыта (succeeded/abandoned) или не существует
		var count int
		if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM dunning_attempts WHERE id = $1`, id).Scan(&count); err != nil {
			return fmt.Errorf("failed to check attempt existence: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
	}

	return nil
}
