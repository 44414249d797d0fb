package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrInsufficientStock = errors.New("insufficient stock")
)

type OrderFilter struct {
	PatientID string
	Status    OrderStatus
	Limit     int
	// Ascending orders by finalized_at then created_at, oldest first.
	Ascending bool
}

type AlertFilter struct {
	PatientID string
	Status    AlertStatus
}

// Store is the record store the engine and capabilities run against.
// Implementations must make CreateOrder all-or-nothing and DecrementStock
// conditional on the row still holding enough stock.
type Store interface {
	FindPatientByUserID(ctx context.Context, userID string) (*Patient, error)
	SearchPatients(ctx context.Context, nameQuery string, limit int) ([]Patient, error)

	SearchMedicines(ctx context.Context, query string, limit int) ([]Medicine, error)
	GetMedicine(ctx context.Context, id string) (*Medicine, error)
	FindMedicineByName(ctx context.Context, name string) (*Medicine, error)
	DecrementStock(ctx context.Context, medicineID string, qty int) (int, error)

	ListPrescriptionRecords(ctx context.Context, patientID string) ([]PrescriptionRecord, error)

	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	MarkOrderFulfilled(ctx context.Context, orderID string, at time.Time) error
	ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error)

	InsertRefillAlerts(ctx context.Context, alerts []RefillAlert) error
	ListRefillAlerts(ctx context.Context, filter AlertFilter) ([]RefillAlert, error)

	InsertNotification(ctx context.Context, n *Notification) error
}

type Config struct {
	DatabaseURL string `envconfig:"DATABASE_URL" split_words:"true"`
	Debug       bool   `envconfig:"DEBUG" split_words:"true" default:"false"`
}
