package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite"
)

// BunStore is the SQL-backed Store. It runs on Postgres in production and on
// SQLite for embedded deployments and tests.
type BunStore struct {
	db *bun.DB
}

func NewBunStore(db *bun.DB) (*BunStore, error) {
	if db == nil {
		return nil, errors.New("bun db is required")
	}
	return &BunStore{db: db}, nil
}

// Open picks the dialect from the DSN: postgres:// and postgresql:// go through
// pgdriver, anything else is handed to the sqlite driver.
func Open(cfg Config) (*BunStore, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, errors.New("database url is required")
	}

	var db *bun.DB
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		db = bun.NewDB(sqldb, pgdialect.New())
	} else {
		sqldb, err := sql.Open("sqlite", strings.TrimPrefix(dsn, "sqlite://"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	}

	if cfg.Debug {
		db.AddQueryHook(queryLogger{})
	}
	return NewBunStore(db)
}

func (s *BunStore) DB() *bun.DB {
	return s.db
}

func (s *BunStore) Close() error {
	return s.db.Close()
}

// CreateSchema creates every table the store needs when it is missing.
func (s *BunStore) CreateSchema(ctx context.Context) error {
	models := []any{
		(*Patient)(nil),
		(*Medicine)(nil),
		(*Order)(nil),
		(*OrderItem)(nil),
		(*PrescriptionRecord)(nil),
		(*RefillAlert)(nil),
		(*Notification)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	return nil
}

func (s *BunStore) FindPatientByUserID(ctx context.Context, userID string) (*Patient, error) {
	var p Patient
	err := s.db.NewSelect().Model(&p).Where("user_id = ?", userID).Limit(1).Scan(ctx)
	if err != nil {
		return nil, notFound(err, "patient")
	}
	return &p, nil
}

func (s *BunStore) SearchPatients(ctx context.Context, nameQuery string, limit int) ([]Patient, error) {
	var out []Patient
	err := s.db.NewSelect().
		Model(&out).
		Where("LOWER(full_name) LIKE ?", likePattern(nameQuery)).
		Order("full_name ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("search patients: %w", err)
	}
	return out, nil
}

func (s *BunStore) SearchMedicines(ctx context.Context, query string, limit int) ([]Medicine, error) {
	var out []Medicine
	err := s.db.NewSelect().
		Model(&out).
		Where("LOWER(name) LIKE ?", likePattern(query)).
		Order("name ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("search medicines: %w", err)
	}
	return out, nil
}

func (s *BunStore) GetMedicine(ctx context.Context, id string) (*Medicine, error) {
	m := &Medicine{ID: id}
	if err := s.db.NewSelect().Model(m).WherePK().Scan(ctx); err != nil {
		return nil, notFound(err, "medicine")
	}
	return m, nil
}

func (s *BunStore) FindMedicineByName(ctx context.Context, name string) (*Medicine, error) {
	var m Medicine
	err := s.db.NewSelect().
		Model(&m).
		Where("LOWER(name) = ?", strings.ToLower(strings.TrimSpace(name))).
		Order("name ASC").
		Limit(1).
		Scan(ctx)
	if err == nil {
		return &m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find medicine: %w", err)
	}

	err = s.db.NewSelect().
		Model(&m).
		Where("LOWER(name) LIKE ?", likePattern(name)).
		Order("name ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "medicine")
	}
	return &m, nil
}

// DecrementStock subtracts qty only when the row still holds at least qty and
// returns the remaining stock.
func (s *BunStore) DecrementStock(ctx context.Context, medicineID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("decrement qty must be positive, got %d", qty)
	}

	var remaining int
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*Medicine)(nil)).
			Set("stock = stock - ?", qty).
			Where("id = ?", medicineID).
			Where("stock >= ?", qty).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("decrement stock rows affected: %w", err)
		}

		m := &Medicine{ID: medicineID}
		if err := tx.NewSelect().Model(m).Column("stock").WherePK().Scan(ctx); err != nil {
			return notFound(err, "medicine")
		}
		remaining = m.Stock

		if affected == 0 {
			return fmt.Errorf("%w: medicine %s has %d, need %d", ErrInsufficientStock, medicineID, m.Stock, qty)
		}
		return nil
	})
	return remaining, err
}

func (s *BunStore) ListPrescriptionRecords(ctx context.Context, patientID string) ([]PrescriptionRecord, error) {
	var out []PrescriptionRecord
	err := s.db.NewSelect().
		Model(&out).
		Where("patient_id = ?", patientID).
		Where("record_type = ?", RecordTypePrescription).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list prescription records: %w", err)
	}
	return out, nil
}

// CreateOrder inserts the order row and all of its items in one transaction.
func (s *BunStore) CreateOrder(ctx context.Context, order *Order) error {
	if order == nil {
		return errors.New("order is nil")
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(order).Exec(ctx); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if len(order.Items) == 0 {
			return nil
		}
		for _, item := range order.Items {
			item.OrderID = order.ID
		}
		if _, err := tx.NewInsert().Model(&order.Items).Exec(ctx); err != nil {
			return fmt.Errorf("insert order items: %w", err)
		}
		return nil
	})
}

func (s *BunStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	o := &Order{ID: orderID}
	err := s.db.NewSelect().
		Model(o).
		Relation("Items").
		Relation("Items.Medicine").
		WherePK().
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "order")
	}
	return o, nil
}

func (s *BunStore) MarkOrderFulfilled(ctx context.Context, orderID string, at time.Time) error {
	res, err := s.db.NewUpdate().
		Model((*Order)(nil)).
		Set("status = ?", OrderFulfilled).
		Set("finalized_at = ?", at).
		Where("id = ?", orderID).
		Where("status = ?", OrderPending).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark order fulfilled: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark order fulfilled rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: pending order %s", ErrNotFound, orderID)
	}
	return nil
}

func (s *BunStore) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	var out []Order
	q := s.db.NewSelect().
		Model(&out).
		Relation("Items").
		Relation("Items.Medicine")
	if filter.PatientID != "" {
		q = q.Where("o.patient_id = ?", filter.PatientID)
	}
	if filter.Status != "" {
		q = q.Where("o.status = ?", filter.Status)
	}
	if filter.Ascending {
		q = q.Order("o.finalized_at ASC", "o.created_at ASC")
	} else {
		q = q.Order("o.created_at DESC")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return out, nil
}

func (s *BunStore) InsertRefillAlerts(ctx context.Context, alerts []RefillAlert) error {
	if len(alerts) == 0 {
		return nil
	}
	if _, err := s.db.NewInsert().Model(&alerts).Exec(ctx); err != nil {
		return fmt.Errorf("insert refill alerts: %w", err)
	}
	return nil
}

func (s *BunStore) ListRefillAlerts(ctx context.Context, filter AlertFilter) ([]RefillAlert, error) {
	var out []RefillAlert
	q := s.db.NewSelect().Model(&out).Order("predicted_runout_date ASC")
	if filter.PatientID != "" {
		q = q.Where("patient_id = ?", filter.PatientID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list refill alerts: %w", err)
	}
	return out, nil
}

func (s *BunStore) InsertNotification(ctx context.Context, n *Notification) error {
	if _, err := s.db.NewInsert().Model(n).Exec(ctx); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("select %s: %w", what, err)
}

func likePattern(q string) string {
	return "%" + strings.ToLower(strings.TrimSpace(q)) + "%"
}

type queryLogger struct{}

func (queryLogger) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (queryLogger) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	evt := log.Debug()
	if event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows) {
		evt = log.Warn().Err(event.Err)
	}
	evt.Dur("took", time.Since(event.StartTime)).Str("query", event.Query).Msg("sql")
}
