package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/store"
	"orderflow/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an already opened handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return s.findUser(ctx, `id = $1`, id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.findUser(ctx, `lower(email) = lower($1)`, email)
}

func (s *Store) findUser(ctx context.Context, where string, arg string) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, active, created_at
		FROM users
		WHERE `+where, arg).Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) error {
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

const orderColumns = `id, order_code, user_id, status, payment_method, payment_status, payment_reference,
	sub_total_amt, total_amt, items, status_history, last_status_update, shipped_date,
	actual_delivery_date, delivery_duration_seconds, refund_date, refund_details, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var paymentRef sql.NullString
	var items, history, refund []byte
	var lastUpdate, shipped, delivered, refundDate sql.NullTime
	err := row.Scan(
		&o.ID, &o.OrderCode, &o.UserID, &o.Status, &o.PaymentMethod, &o.PaymentStatus, &paymentRef,
		&o.SubTotalAmt, &o.TotalAmt, &items, &history, &lastUpdate, &shipped,
		&delivered, &o.DeliveryDurationSeconds, &refundDate, &refund, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	o.PaymentReference = paymentRef.String
	if err := unmarshalJSON(items, &o.Items); err != nil {
		return nil, fmt.Errorf("order %s items: %w", o.ID, err)
	}
	if err := unmarshalJSON(history, &o.StatusHistory); err != nil {
		return nil, fmt.Errorf("order %s status history: %w", o.ID, err)
	}
	if len(refund) > 0 && string(refund) != "null" {
		o.RefundDetails = &domain.OrderRefundDetails{}
		if err := json.Unmarshal(refund, o.RefundDetails); err != nil {
			return nil, fmt.Errorf("order %s refund details: %w", o.ID, err)
		}
	}
	o.LastStatusUpdate = timePtr(lastUpdate)
	o.ShippedDate = timePtr(shipped)
	o.ActualDeliveryDate = timePtr(delivered)
	o.RefundDate = timePtr(refundDate)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1`
	args := []any{userID}
	if len(statuses) > 0 {
		placeholders := make([]string, 0, len(statuses))
		for _, status := range statuses {
			args = append(args, string(status))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 8)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func (s *Store) SaveOrder(ctx context.Context, order domain.Order) error {
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	items, err := json.Marshal(order.Items)
	if err != nil {
		return err
	}
	history, err := json.Marshal(order.StatusHistory)
	if err != nil {
		return err
	}
	refund, err := nullJSON(order.RefundDetails)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (id) DO UPDATE SET
			order_code = EXCLUDED.order_code,
			user_id = EXCLUDED.user_id,
			status = EXCLUDED.status,
			payment_method = EXCLUDED.payment_method,
			payment_status = EXCLUDED.payment_status,
			payment_reference = EXCLUDED.payment_reference,
			sub_total_amt = EXCLUDED.sub_total_amt,
			total_amt = EXCLUDED.total_amt,
			items = EXCLUDED.items,
			status_history = EXCLUDED.status_history,
			last_status_update = EXCLUDED.last_status_update,
			shipped_date = EXCLUDED.shipped_date,
			actual_delivery_date = EXCLUDED.actual_delivery_date,
			delivery_duration_seconds = EXCLUDED.delivery_duration_seconds,
			refund_date = EXCLUDED.refund_date,
			refund_details = EXCLUDED.refund_details,
			updated_at = EXCLUDED.updated_at
	`, order.ID, order.OrderCode, order.UserID, string(order.Status), order.PaymentMethod, string(order.PaymentStatus), nullIfEmpty(order.PaymentReference),
		order.SubTotalAmt, order.TotalAmt, string(items), string(history), nullTime(order.LastStatusUpdate), nullTime(order.ShippedDate),
		nullTime(order.ActualDeliveryDate), order.DeliveryDurationSeconds, nullTime(order.RefundDate), refund, order.CreatedAt, order.UpdatedAt)
	return err
}

// writeOrder persists the mutable parts of an order.
func writeOrder(ctx context.Context, q queryer, order domain.Order) error {
	history, err := json.Marshal(order.StatusHistory)
	if err != nil {
		return err
	}
	refund, err := nullJSON(order.RefundDetails)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, payment_status = $3, payment_reference = $4, status_history = $5,
			last_status_update = $6, shipped_date = $7, actual_delivery_date = $8,
			delivery_duration_seconds = $9, refund_date = $10, refund_details = $11, updated_at = $12
		WHERE id = $1
	`, order.ID, string(order.Status), string(order.PaymentStatus), nullIfEmpty(order.PaymentReference), string(history),
		nullTime(order.LastStatusUpdate), nullTime(order.ShippedDate), nullTime(order.ActualDeliveryDate),
		order.DeliveryDurationSeconds, nullTime(order.RefundDate), refund, order.UpdatedAt)
	return err
}

func (s *Store) UpdateOrder(ctx context.Context, id string, fn func(order *domain.Order) error) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(order); err != nil {
		return nil, err
	}
	if err := writeOrder(ctx, tx, *order); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return order, nil
}

func (s *Store) GetActivePolicy(ctx context.Context) (*domain.CancellationPolicy, error) {
	var (
		id  string
		doc []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document
		FROM cancellation_policies
		WHERE is_active
	`).Scan(&id, &doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var policy domain.CancellationPolicy
	if err := json.Unmarshal(doc, &policy); err != nil {
		return nil, fmt.Errorf("policy %s document: %w", id, err)
	}
	policy.ID = id
	policy.IsActive = true
	return &policy, nil
}

func (s *Store) UpsertActivePolicy(ctx context.Context, policy domain.CancellationPolicy) (*domain.CancellationPolicy, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var existingID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM cancellation_policies WHERE is_active FOR UPDATE`).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if policy.ID == "" {
			policy.ID = xid.New("pol")
		}
	case err != nil:
		return nil, err
	default:
		policy.ID = existingID
	}
	policy.IsActive = true
	if policy.LastUpdated.IsZero() {
		policy.LastUpdated = time.Now().UTC()
	}

	doc, err := json.Marshal(policy)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cancellation_policies (id, is_active, document, last_updated, updated_by)
		VALUES ($1, true, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			document = EXCLUDED.document,
			last_updated = EXCLUDED.last_updated,
			updated_by = EXCLUDED.updated_by
	`, policy.ID, string(doc), policy.LastUpdated, nullIfEmpty(policy.UpdatedBy))
	if err != nil {
		return nil, mapTxError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return &policy, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_id, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorID, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorID, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

// mapTxError turns constraint and serialization failures into store sentinels.
func mapTxError(err error) error {
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return store.ErrConflict
	case isSerializationFailure(err):
		return fmt.Errorf("%w: %w", store.ErrSerialization, err)
	case isForeignKeyViolation(err):
		return store.ErrNotFound
	}
	return err
}

func unmarshalJSON(raw []byte, dest any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func nullJSON(val any) (any, error) {
	switch v := val.(type) {
	case *domain.OrderRefundDetails:
		if v == nil {
			return nil, nil
		}
	case *domain.ReturnAdminResponse:
		if v == nil {
			return nil, nil
		}
	case *domain.ReturnRefundDetails:
		if v == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}
