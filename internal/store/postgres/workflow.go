package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/store"
	"orderflow/backend/internal/xid"
)

const cancellationColumns = `id, order_id, user_id, reason, additional_reason, status,
	admin_response, refund_details, created_at, updated_at`

func scanCancellation(row rowScanner) (*domain.CancellationRequest, error) {
	var req domain.CancellationRequest
	var admin, refund []byte
	err := row.Scan(&req.ID, &req.OrderID, &req.UserID, &req.Reason, &req.AdditionalReason, &req.Status,
		&admin, &refund, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := unmarshalJSON(admin, &req.AdminResponse); err != nil {
		return nil, fmt.Errorf("cancellation %s admin response: %w", req.ID, err)
	}
	if err := unmarshalJSON(refund, &req.RefundDetails); err != nil {
		return nil, fmt.Errorf("cancellation %s refund details: %w", req.ID, err)
	}
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()
	return &req, nil
}

func (s *Store) CreateCancellationRequest(ctx context.Context, req domain.CancellationRequest) (*domain.CancellationRequest, error) {
	if req.ID == "" {
		req.ID = xid.New("cr")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}
	admin, err := json.Marshal(req.AdminResponse)
	if err != nil {
		return nil, err
	}
	refund, err := json.Marshal(req.RefundDetails)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cancellation_requests (`+cancellationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, req.ID, req.OrderID, req.UserID, req.Reason, req.AdditionalReason, string(req.Status),
		string(admin), string(refund), req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return nil, mapTxError(err)
	}
	return &req, nil
}

func (s *Store) GetCancellationRequest(ctx context.Context, id string) (*domain.CancellationRequest, error) {
	return scanCancellation(s.db.QueryRowContext(ctx, `SELECT `+cancellationColumns+` FROM cancellation_requests WHERE id = $1`, id))
}

func (s *Store) FindActiveCancellation(ctx context.Context, orderID string) (*domain.CancellationRequest, error) {
	return scanCancellation(s.db.QueryRowContext(ctx, `
		SELECT `+cancellationColumns+`
		FROM cancellation_requests
		WHERE order_id = $1 AND status IN ('PENDING', 'APPROVED')
	`, orderID))
}

func (s *Store) ListCancellationRequests(ctx context.Context, filter domain.ListFilter) ([]domain.CancellationRequest, int, error) {
	where, args := buildFilter(filter, "created_at", "id", "order_id", "reason")
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cancellation_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset := filter.Offset()
	args = append(args, filter.Limit, offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cancellationColumns+`
		FROM cancellation_requests`+where+fmt.Sprintf(`
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out, err := collectCancellations(rows)
	return out, total, err
}

func (s *Store) ListCancellationRequestsByUser(ctx context.Context, userID string) ([]domain.CancellationRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cancellationColumns+`
		FROM cancellation_requests
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCancellations(rows)
}

func collectCancellations(rows *sql.Rows) ([]domain.CancellationRequest, error) {
	out := make([]domain.CancellationRequest, 0, 16)
	for rows.Next() {
		req, err := scanCancellation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCancellation(ctx context.Context, id string, fn store.CancellationMutation) (*domain.CancellationRequest, *domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	req, err := scanCancellation(tx.QueryRowContext(ctx, `SELECT `+cancellationColumns+` FROM cancellation_requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, nil, err
	}
	order, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, req.OrderID))
	if err != nil {
		return nil, nil, err
	}

	if err := fn(req, order); err != nil {
		return nil, nil, err
	}

	admin, err := json.Marshal(req.AdminResponse)
	if err != nil {
		return nil, nil, err
	}
	refund, err := json.Marshal(req.RefundDetails)
	if err != nil {
		return nil, nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE cancellation_requests
		SET status = $2, admin_response = $3, refund_details = $4, updated_at = $5
		WHERE id = $1
	`, req.ID, string(req.Status), string(admin), string(refund), req.UpdatedAt)
	if err != nil {
		return nil, nil, mapTxError(err)
	}
	if err := writeOrder(ctx, tx, *order); err != nil {
		return nil, nil, mapTxError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, mapTxError(err)
	}
	return req, order, nil
}

const returnColumns = `id, order_id, order_code, user_id, item_id, reason, additional_comments,
	item_details, status, eligibility_expiry_date, admin_response, refund_details, timeline, created_at, updated_at`

func scanReturn(row rowScanner) (*domain.ReturnRequest, error) {
	var req domain.ReturnRequest
	var details, admin, refund, timeline []byte
	err := row.Scan(&req.ID, &req.OrderID, &req.OrderCode, &req.UserID, &req.ItemID, &req.Reason, &req.AdditionalComments,
		&details, &req.Status, &req.EligibilityExpiryDate, &admin, &refund, &timeline, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := unmarshalJSON(details, &req.ItemDetails); err != nil {
		return nil, fmt.Errorf("return %s item details: %w", req.ID, err)
	}
	if len(admin) > 0 && string(admin) != "null" {
		req.AdminResponse = &domain.ReturnAdminResponse{}
		if err := json.Unmarshal(admin, req.AdminResponse); err != nil {
			return nil, fmt.Errorf("return %s admin response: %w", req.ID, err)
		}
	}
	if len(refund) > 0 && string(refund) != "null" {
		req.RefundDetails = &domain.ReturnRefundDetails{}
		if err := json.Unmarshal(refund, req.RefundDetails); err != nil {
			return nil, fmt.Errorf("return %s refund details: %w", req.ID, err)
		}
	}
	if err := unmarshalJSON(timeline, &req.Timeline); err != nil {
		return nil, fmt.Errorf("return %s timeline: %w", req.ID, err)
	}
	req.EligibilityExpiryDate = req.EligibilityExpiryDate.UTC()
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()
	return &req, nil
}

// checkReturnLine locks the order row and verifies the line has no other
// active request and enough purchased quantity.
func checkReturnLine(ctx context.Context, tx *sql.Tx, req domain.ReturnRequest, ignoreID string) error {
	var rawItems []byte
	err := tx.QueryRowContext(ctx, `SELECT items FROM orders WHERE id = $1 FOR UPDATE`, req.OrderID).Scan(&rawItems)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	var items []domain.LineItem
	if err := unmarshalJSON(rawItems, &items); err != nil {
		return fmt.Errorf("order %s items: %w", req.OrderID, err)
	}
	order := domain.Order{Items: items}
	item, ok := order.FindItem(req.ItemID)
	if !ok {
		return store.ErrNotFound
	}

	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM return_requests
		WHERE order_id = $1 AND item_id = $2 AND id <> $3
			AND status NOT IN ('REJECTED', 'CANCELLED')
	`, req.OrderID, req.ItemID, ignoreID).Scan(&active)
	if err != nil {
		return err
	}
	if active > 0 {
		return store.ErrConflict
	}
	if req.ItemDetails.Quantity > item.Quantity {
		return store.ErrQuantityExceeded
	}
	return nil
}

func (s *Store) CreateReturnRequest(ctx context.Context, req domain.ReturnRequest) (*domain.ReturnRequest, error) {
	if req.ID == "" {
		req.ID = xid.New("ret")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := checkReturnLine(ctx, tx, req, req.ID); err != nil {
		return nil, mapTxError(err)
	}

	details, admin, refund, timeline, err := marshalReturn(req)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO return_requests (`+returnColumns+`, quantity)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, req.ID, req.OrderID, req.OrderCode, req.UserID, req.ItemID, req.Reason, req.AdditionalComments,
		details, string(req.Status), req.EligibilityExpiryDate, admin, refund, timeline, req.CreatedAt, req.UpdatedAt,
		req.ItemDetails.Quantity)
	if err != nil {
		return nil, mapTxError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return &req, nil
}

func marshalReturn(req domain.ReturnRequest) (details string, admin any, refund any, timeline string, err error) {
	rawDetails, err := json.Marshal(req.ItemDetails)
	if err != nil {
		return "", nil, nil, "", err
	}
	if admin, err = nullJSON(req.AdminResponse); err != nil {
		return "", nil, nil, "", err
	}
	if refund, err = nullJSON(req.RefundDetails); err != nil {
		return "", nil, nil, "", err
	}
	entries := req.Timeline
	if entries == nil {
		entries = []domain.TimelineEntry{}
	}
	rawTimeline, err := json.Marshal(entries)
	if err != nil {
		return "", nil, nil, "", err
	}
	return string(rawDetails), admin, refund, string(rawTimeline), nil
}

func (s *Store) GetReturnRequest(ctx context.Context, id string) (*domain.ReturnRequest, error) {
	return scanReturn(s.db.QueryRowContext(ctx, `SELECT `+returnColumns+` FROM return_requests WHERE id = $1`, id))
}

func (s *Store) ListReturnRequestsByUser(ctx context.Context, userID string) ([]domain.ReturnRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+returnColumns+`
		FROM return_requests
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReturns(rows)
}

func (s *Store) ListReturnRequests(ctx context.Context, filter domain.ListFilter) ([]domain.ReturnRequest, int, error) {
	where, args := buildFilter(filter, "created_at", "id", "order_code", "order_id", "item_details->>'name'", "reason")
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM return_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset := filter.Offset()
	args = append(args, filter.Limit, offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+returnColumns+`
		FROM return_requests`+where+fmt.Sprintf(`
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out, err := collectReturns(rows)
	return out, total, err
}

func collectReturns(rows *sql.Rows) ([]domain.ReturnRequest, error) {
	out := make([]domain.ReturnRequest, 0, 16)
	for rows.Next() {
		req, err := scanReturn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func (s *Store) ActiveReturnQuantities(ctx context.Context, orderID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, COALESCE(SUM(quantity), 0)::int
		FROM return_requests
		WHERE order_id = $1 AND status NOT IN ('REJECTED', 'CANCELLED')
		GROUP BY item_id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var itemID string
		var qty int
		if err := rows.Scan(&itemID, &qty); err != nil {
			return nil, err
		}
		out[itemID] = qty
	}
	return out, rows.Err()
}

func (s *Store) UpdateReturnRequest(ctx context.Context, id string, fn func(req *domain.ReturnRequest) error) (*domain.ReturnRequest, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	req, err := scanReturn(tx.QueryRowContext(ctx, `SELECT `+returnColumns+` FROM return_requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	wasActive := req.IsActive()
	if err := fn(req); err != nil {
		return nil, err
	}
	if req.IsActive() && !wasActive {
		if err := checkReturnLine(ctx, tx, *req, id); err != nil {
			return nil, mapTxError(err)
		}
	}

	details, admin, refund, timeline, err := marshalReturn(*req)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE return_requests
		SET item_details = $2, quantity = $3, status = $4, admin_response = $5,
			refund_details = $6, timeline = $7, updated_at = $8
		WHERE id = $1
	`, req.ID, details, req.ItemDetails.Quantity, string(req.Status), admin, refund, timeline, req.UpdatedAt)
	if err != nil {
		return nil, mapTxError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return req, nil
}

const refundsQuery = `
	SELECT source, request_id, order_id, user_id, amount, refund_status, refund_id, method, refund_date, updated_at
	FROM (
		SELECT 'cancellation' AS source, id AS request_id, order_id, user_id,
			COALESCE((admin_response->>'refund_amount')::numeric, 0) AS amount,
			COALESCE(refund_details->>'refund_status', '') AS refund_status,
			COALESCE(refund_details->>'refund_id', '') AS refund_id,
			'' AS method,
			(refund_details->>'refund_date')::timestamptz AS refund_date,
			updated_at
		FROM cancellation_requests
		WHERE status = 'APPROVED'
		UNION ALL
		SELECT 'return', id, order_id, user_id,
			COALESCE((refund_details->>'actual_refund_amount')::numeric, 0),
			COALESCE(refund_details->>'refund_status', ''),
			COALESCE(refund_details->>'refund_id', ''),
			COALESCE(refund_details->>'refund_method', ''),
			(refund_details->>'refund_date')::timestamptz,
			updated_at
		FROM return_requests
		WHERE refund_details IS NOT NULL
	) refunds`

func (s *Store) ListRefunds(ctx context.Context, filter domain.ListFilter) ([]domain.RefundRecord, int, error) {
	filter.Search = ""
	where, args := buildFilter(filter, "updated_at")
	where = strings.Replace(where, "status =", "refund_status =", 1)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM (`+refundsQuery+where+`) counted`, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset := filter.Offset()
	args = append(args, filter.Limit, offset)
	rows, err := s.db.QueryContext(ctx, refundsQuery+where+fmt.Sprintf(`
		ORDER BY updated_at DESC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]domain.RefundRecord, 0, filter.Limit)
	for rows.Next() {
		var rec domain.RefundRecord
		var refundDate sql.NullTime
		if err := rows.Scan(&rec.Source, &rec.RequestID, &rec.OrderID, &rec.UserID, &rec.Amount, &rec.Status,
			&rec.RefundID, &rec.Method, &refundDate, &rec.UpdatedAt); err != nil {
			return nil, 0, err
		}
		rec.RefundDate = timePtr(refundDate)
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (s *Store) CancellationStats(ctx context.Context) (domain.StatusTotals, error) {
	return s.statusTotals(ctx, `
		SELECT status, COUNT(*)::int,
			COALESCE(SUM(CASE WHEN refund_details->>'refund_status' = 'COMPLETED'
				THEN (admin_response->>'refund_amount')::numeric ELSE 0 END), 0)
		FROM cancellation_requests
		GROUP BY status
	`)
}

func (s *Store) ReturnStats(ctx context.Context) (domain.StatusTotals, error) {
	return s.statusTotals(ctx, `
		SELECT status, COUNT(*)::int,
			COALESCE(SUM(CASE WHEN refund_details->>'refund_status' = 'COMPLETED'
				THEN (refund_details->>'actual_refund_amount')::numeric ELSE 0 END), 0)
		FROM return_requests
		GROUP BY status
	`)
}

func (s *Store) statusTotals(ctx context.Context, query string) (domain.StatusTotals, error) {
	totals := domain.StatusTotals{ByStatus: map[string]int{}, RefundedTotal: decimal.Zero}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return totals, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		var refunded decimal.Decimal
		if err := rows.Scan(&status, &count, &refunded); err != nil {
			return totals, err
		}
		totals.ByStatus[status] = count
		totals.Total += count
		totals.RefundedTotal = totals.RefundedTotal.Add(refunded)
	}
	return totals, rows.Err()
}

// buildFilter renders the WHERE clause for status, date range and free-text
// search. searchCols are matched with ILIKE.
func buildFilter(filter domain.ListFilter, timeCol string, searchCols ...string) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4)
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		clauses = append(clauses, fmt.Sprintf("%s >= $%d", timeCol, len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		clauses = append(clauses, fmt.Sprintf("%s < $%d", timeCol, len(args)))
	}
	if search := strings.TrimSpace(filter.Search); search != "" && len(searchCols) > 0 {
		args = append(args, "%"+search+"%")
		ors := make([]string, 0, len(searchCols))
		for _, col := range searchCols {
			ors = append(ors, fmt.Sprintf("%s ILIKE $%d", col, len(args)))
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "\n\t\tWHERE " + strings.Join(clauses, " AND "), args
}
