package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dhoini/Dunning-microservice/internal/domain"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

// InvoiceRepository интерфейс репозитория счетов (локального зеркала
// счетов платежного процессора)
type InvoiceRepository interface {
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (domain.Invoice, error)
	GetByStripeID(ctx context.Context, stripeInvoiceID string) (domain.Invoice, error)
	ListByTenant(ctx context.Context, tenantID string) ([]domain.Invoice, error)
	Create(ctx context.Context, invoice domain.Invoice) (domain.Invoice, error)
	Update(ctx context.Context, invoice domain.Invoice) error

	// Upsert создает или обновляет зеркало счета по его внешнему ID.
	// Вызывается из обработчика вебхуков при каждом событии invoice.*
	Upsert(ctx context.Context, invoice domain.Invoice) (domain.Invoice, error)
}

// InMemoryInvoiceRepository реализация репозитория счетов в памяти
type InMemoryInvoiceRepository struct {
	invoices map[uuid.UUID]domain.Invoice
	mutex    sync.RWMutex
	log      *logger.Logger
}

// NewInMemoryInvoiceRepository создает новый репозиторий счетов в памяти
func NewInMemoryInvoiceRepository(log *logger.Logger) *InMemoryInvoiceRepository {
	return &InMemoryInvoiceRepository{
		invoices: make(map[uuid.UUID]domain.Invoice),
		log:      log,
	}
}

// GetByID возвращает счет тенанта по ID
func (r *InMemoryInvoiceRepository) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (domain.Invoice, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	invoice, exists := r.invoices[id]
	if !exists || invoice.TenantID != tenantID {
		// Чужой счет не раскрываем: для вызывающего он не существует
		return domain.Invoice{}, ErrNotFound
	}

	return invoice, nil
}

// GetByStripeID возвращает счет по внешнему ID процессора
func (r *InMemoryInvoiceRepository) GetByStripeID(ctx context.Context, stripeInvoiceID string) (domain.Invoice, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, invoice := range r.invoices {
		if invoice.StripeInvoiceID == stripeInvoiceID {
			return invoice, nil
		}
	}

	return domain.Invoice{}, ErrNotFound
}

// ListByTenant возвращает все счета тенанта
func (r *InMemoryInvoiceRepository) ListByTenant(ctx context.Context, tenantID string) ([]domain.Invoice, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var invoices []domain.Invoice
	for _, invoice := range r.invoices {
		if invoice.TenantID == tenantID {
			invoices = append(invoices, invoice)
		}
	}

	return invoices, nil
}

// Create создает новый счет
func (r *InMemoryInvoiceRepository) Create(ctx context.Context, invoice domain.Invoice) (domain.Invoice, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if invoice.ID == uuid.Nil {
		invoice.ID = uuid.New()
	}
	for _, existing := range r.invoices {
		if existing.StripeInvoiceID == invoice.StripeInvoiceID {
			return domain.Invoice{}, ErrDuplicate
		}
	}

	invoice.AmountRemaining = invoice.AmountDue - invoice.AmountPaid
	invoice.CreatedAt = time.Now()
	invoice.UpdatedAt = time.Now()

	r.invoices[invoice.ID] = invoice

	return invoice, nil
}

// Update обновляет существующий счет
func (r *InMemoryInvoiceRepository) Update(ctx context.Context, invoice domain.Invoice) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	existing, exists := r.invoices[invoice.ID]
	if !exists || existing.TenantID != invoice.TenantID {
		return ErrNotFound
	}

	invoice.AmountRemaining = invoice.AmountDue - invoice.AmountPaid
	invoice.UpdatedAt = time.Now()
	r.invoices[invoice.ID] = invoice

	return nil
}

// Upsert создает или обновляет счет по внешнему ID
func (r *InMemoryInvoiceRepository) Upsert(ctx context.Context, invoice domain.Invoice) (domain.Invoice, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for id, existing := range r.invoices {
		if existing.StripeInvoiceID == invoice.StripeInvoiceID {
			invoice.ID = id
			invoice.CreatedAt = existing.CreatedAt
			invoice.AmountRemaining = invoice.AmountDue - invoice.AmountPaid
			invoice.UpdatedAt = time.Now()
			r.invoices[id] = invoice
			return invoice, nil
		}
	}

	if invoice.ID == uuid.Nil {
		invoice.ID = uuid.New()
	}
	invoice.AmountRemaining = invoice.AmountDue - invoice.AmountPaid
	invoice.CreatedAt = time.Now()
	invoice.UpdatedAt = time.Now()
	r.invoices[invoice.ID] = invoice

	return invoice, nil
}

// PostgresInvoiceRepository реализация репозитория счетов через PostgreSQL
type PostgresInvoiceRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresInvoiceRepository создает новый репозиторий счетов через PostgreSQL
func NewPostgresInvoiceRepository(db *pgxpool.Pool, log *logger.Logger) *PostgresInvoiceRepository {
	return &PostgresInvoiceRepository{
		db:  db,
		log: log,
	}
}

const invoiceColumns = `
	id, tenant_id, stripe_invoice_id,
	amount_due, amount_paid, amount_remaining,
	currency, status, due_date, paid_at,
	created_at, updated_at
`

// scanInvoice маппит строку таблицы в доменную структуру
func scanInvoice(row pgx.Row) (domain.Invoice, error) {
	var invoice domain.Invoice
	var paidAt *time.Time

	err := row.Scan(
		&invoice.ID,
		&invoice.TenantID,
		&invoice.StripeInvoiceID,
		&invoice.AmountDue,
		&invoice.AmountPaid,
		&invoice.AmountRemaining,
		&invoice.Currency,
		&invoice.Status,
		&invoice.DueDate,
		&paidAt,
		&invoice.CreatedAt,
		&invoice.UpdatedAt,
	)
	if err != nil {
		return domain.Invoice{}, err
	}

	invoice.PaidAt = paidAt
	return invoice, nil
}

// GetByID возвращает счет тенанта по ID из базы данных
func (r *PostgresInvoiceRepository) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE tenant_id = $1 AND id = $2`

	invoice, err := scanInvoice(r.db.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Invoice{}, ErrNotFound
		}
		return domain.Invoice{}, fmt.Errorf("failed to get invoice: %w", err)
	}

	return invoice, nil
}

// GetByStripeID возвращает счет по внешнему ID процессора
func (r *PostgresInvoiceRepository) GetByStripeID(ctx context.Context, stripeInvoiceID string) (domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE stripe_invoice_id = $1`

	invoice, err := scanInvoice(r.db.QueryRow(ctx, query, stripeInvoiceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Invoice{}, ErrNotFound
		}
		return domain.Invoice{}, fmt.Errorf("failed to get invoice by stripe id: %w", err)
	}

	return invoice, nil
}

// ListByTenant возвращает все счета тенанта из базы данных
func (r *PostgresInvoiceRepository) ListByTenant(ctx context.Context, tenantID string) ([]domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE tenant_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []domain.Invoice
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, invoice)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invoices: %w", err)
	}

	return invoices, nil
}

// Create создает новый счет в базе данных
func (r *PostgresInvoiceRepository) Create(ctx context.Context, invoice domain.Invoice) (domain.Invoice, error) {
	query := `
		INSERT INTO invoices (
			id, tenant_id, stripe_invoice_id,
			amount_due, amount_paid, amount_remaining,
			currency, status, due_date, paid_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		RETURNING id, created_at, updated_at
	`

	if invoice.ID == uuid.Nil {
		invoice.ID = uuid.New()
	}
	invoice.AmountRemaining = invoice.AmountDue - invoice.AmountPaid

	err := r.db.QueryRow(
		ctx,
		query,
		invoice.ID,
		invoice.TenantID,
		invoice.StripeInvoiceID,
		invoice.AmountDue,
		invoice.AmountPaid,
		invoice.AmountRemaining,
		invoice.Currency,
		invoice.Status,
		invoice.DueDate,
		invoice.PaidAt,
		time.Now(),
		time.Now(),
	).Scan(
		&invoice.ID,
		&invoice.CreatedAt,
		&invoice.UpdatedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == "23505" {
				return domain.Invoice{}, ErrDuplicate
			}
		}
		return domain.Invoice{}, fmt.Errorf("failed to create invoice: %w", err)
	}

	return invoice, nil
}

// Update обновляет существующий счет в базе данных
func (r *PostgresInvoiceRepository) Update(ctx context.Context, invoice domain.Invoice) error {
	query := `
		UPDATE invoices
		SET
			amount_due = $1,
			amount_paid = $2,
			amount_remaining = $3,
			currency = $4,
			status = $5,
			due_date = $6,
			paid_at = $7,
			updated_at = $8
		WHERE tenant_id = $9 AND id = $10
	`

	invoice.AmountRemaining = invoice.AmountDue - invoice.AmountPaid

	result, err := r.db.Exec(
		ctx,
		query,
		invoice.AmountDue,
		invoice.AmountPaid,
		invoice.AmountRemaining,
		invoice.Currency,
		invoice.Status,
		invoice.DueDate,
		invoice.PaidAt,
		time.Now(),
		invoice.TenantID,
		invoice.ID,
	)

	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Upsert создает или обновляет счет по внешнему ID процессора
func (r *PostgresInvoiceRepository) Upsert(ctx context.Context, invoice domain.Invoice) (domain.Invoice, error) {
	query := `
		INSERT INTO invoices (
			id, tenant_id, stripe_invoice_id,
			amount_due, amount_paid, amount_remaining,
			currency, status, due_date, paid_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11
		)
		ON CONFLICT (stripe_invoice_id) DO UPDATE SET
			amount_due = EXCLUDED.amount_due,
			amount_paid = EXCLUDED.amount_paid,
			amount_remaining = EXCLUDED.amount_remaining,
			status = EXCLUDED.status,
			due_date = EXCLUDED.due_date,
			paid_at = EXCLUDED.paid_at,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`

	if invoice.ID == uuid.Nil {
		invoice.ID = uuid.New()
	}
	invoice.AmountRemaining = invoice.AmountDue - invoice.AmountPaid

	err := r.db.QueryRow(
		ctx,
		query,
		invoice.ID,
		invoice.TenantID,
		invoice.StripeInvoiceID,
		invoice.AmountDue,
		invoice.AmountPaid,
		invoice.AmountRemaining,
		invoice.Currency,
		invoice.Status,
		invoice.DueDate,
		invoice.PaidAt,
		time.Now(),
	).Scan(
		&invoice.ID,
		&invoice.CreatedAt,
		&invoice.UpdatedAt,
	)

	if err != nil {
		return domain.Invoice{}, fmt.Errorf("failed to upsert invoice: %w", err)
	}

	return invoice, nil
}
