package store

import (
	"time"

	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFulfilled OrderStatus = "fulfilled"
	OrderFailed    OrderStatus = "failed"
)

type AlertStatus string

const (
	AlertPending      AlertStatus = "pending"
	AlertAcknowledged AlertStatus = "acknowledged"
)

const (
	DefaultDaysSupply      = 30
	RecordTypePrescription = "prescription"
	NotificationSent       = "sent"
)

type Patient struct {
	bun.BaseModel `bun:"table:patients"`

	ID         string     `bun:"id,pk" json:"id"`
	UserID     string     `bun:"user_id,notnull,unique" json:"user_id"`
	FullName   string     `bun:"full_name,notnull" json:"full_name"`
	DOB        *time.Time `bun:"dob" json:"dob,omitempty"`
	Gender     string     `bun:"gender" json:"gender,omitempty"`
	BloodGroup string     `bun:"blood_group" json:"blood_group,omitempty"`
}

type Medicine struct {
	bun.BaseModel `bun:"table:medicines"`

	ID                   string  `bun:"id,pk" json:"id"`
	Name                 string  `bun:"name,notnull" json:"name"`
	Strength             string  `bun:"strength" json:"strength,omitempty"`
	UnitType             string  `bun:"unit_type" json:"unit_type,omitempty"`
	Stock                int     `bun:"stock,notnull" json:"stock"`
	PrescriptionRequired bool    `bun:"prescription_required,notnull" json:"prescription_required"`
	Price                float64 `bun:"price" json:"price"`
	PackageSize          string  `bun:"package_size" json:"package_size,omitempty"`
	Description          string  `bun:"description" json:"description,omitempty"`
}

type Order struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID          string      `bun:"id,pk" json:"id"`
	PatientID   string      `bun:"patient_id,notnull" json:"patient_id"`
	Status      OrderStatus `bun:"status,notnull" json:"status"`
	Channel     string      `bun:"channel" json:"channel,omitempty"`
	TotalItems  int         `bun:"total_items,notnull" json:"total_items"`
	CreatedAt   time.Time   `bun:"created_at,notnull" json:"created_at"`
	FinalizedAt *time.Time  `bun:"finalized_at" json:"finalized_at,omitempty"`

	Items []*OrderItem `bun:"rel:has-many,join:id=order_id" json:"items,omitempty"`
}

type OrderItem struct {
	bun.BaseModel `bun:"table:order_items"`

	ID              string    `bun:"id,pk" json:"id"`
	OrderID         string    `bun:"order_id,notnull" json:"order_id"`
	MedicineID      string    `bun:"medicine_id,notnull" json:"medicine_id"`
	Qty             int       `bun:"qty,notnull" json:"qty"`
	DosageText      string    `bun:"dosage_text" json:"dosage_text,omitempty"`
	FrequencyPerDay *int      `bun:"frequency_per_day" json:"frequency_per_day,omitempty"`
	DaysSupply      int       `bun:"days_supply,notnull" json:"days_supply"`
	Medicine        *Medicine `bun:"rel:belongs-to,join:medicine_id=id" json:"medicine,omitempty"`
}

// EffectiveDaysSupply falls back to the default when the item has none recorded.
func (i *OrderItem) EffectiveDaysSupply() int {
	if i == nil || i.DaysSupply <= 0 {
		return DefaultDaysSupply
	}
	return i.DaysSupply
}

type PrescriptionRecord struct {
	bun.BaseModel `bun:"table:patient_records"`

	ID            string    `bun:"id,pk" json:"id"`
	PatientID     string    `bun:"patient_id,notnull" json:"patient_id"`
	Title         string    `bun:"title" json:"title,omitempty"`
	RecordType    string    `bun:"record_type,notnull" json:"record_type"`
	ExtractedText string    `bun:"extracted_text" json:"extracted_text,omitempty"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
}

type RefillAlert struct {
	bun.BaseModel `bun:"table:refill_alerts"`

	ID                  string      `bun:"id,pk" json:"id"`
	PatientID           string      `bun:"patient_id,notnull" json:"patient_id"`
	MedicineID          string      `bun:"medicine_id,notnull" json:"medicine_id"`
	PredictedRunoutDate time.Time   `bun:"predicted_runout_date,notnull" json:"predicted_runout_date"`
	Status              AlertStatus `bun:"status,notnull" json:"status"`
	CreatedAt           time.Time   `bun:"created_at,notnull" json:"created_at"`
}

type Notification struct {
	bun.BaseModel `bun:"table:notification_logs"`

	ID        string         `bun:"id,pk" json:"id"`
	PatientID string         `bun:"patient_id,notnull" json:"patient_id"`
	Channel   string         `bun:"channel,notnull" json:"channel"`
	Type      string         `bun:"type,notnull" json:"type"`
	Payload   map[string]any `bun:"payload,type:jsonb" json:"payload,omitempty"`
	Status    string         `bun:"status,notnull" json:"status"`
	CreatedAt time.Time      `bun:"created_at,notnull" json:"created_at"`
}
