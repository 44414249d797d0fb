package order

import (
	"fmt"
	"time"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	storex "github.com/tanpawarit/chative-pharmacy-agent/agent/store"
)

type Status string

const (
	StatusOK                Status = "ok"
	StatusNeedsMoreInfo     Status = "needs_more_info"
	StatusNeedsPrescription Status = "needs_prescription"
	StatusInsufficientStock Status = "insufficient_stock"
	StatusNotInCatalog      Status = "not_in_catalog"
	StatusFailed            Status = "failed"
)

// Reason maps an outcome status onto the reason code callers see.
func (s Status) Reason() contractx.Reason {
	switch s {
	case StatusOK:
		return contractx.ReasonNone
	case StatusNeedsMoreInfo:
		return contractx.ReasonNeedsMoreInfo
	case StatusNeedsPrescription:
		return contractx.ReasonNeedsPrescription
	case StatusInsufficientStock:
		return contractx.ReasonInsufficientStock
	case StatusNotInCatalog:
		return contractx.ReasonNotInCatalog
	default:
		return contractx.ReasonCollaboratorFailure
	}
}

const (
	ChannelAgentChat          = "agent_chat"
	ChannelPrescriptionUpload = "prescription_upload"

	MissingDosage    = "dosage"
	MissingFrequency = "frequency"
)

// ItemRequest names a medicine by id or by name. Zero Qty means "use the
// prescribed quantity, else 1".
type ItemRequest struct {
	MedicineID      string
	Name            string
	Qty             int
	DosageText      string
	FrequencyPerDay *int
	DaysSupply      int
}

// DraftItem is a validated line ready to be written into an order.
type DraftItem struct {
	MedicineID      string
	MedicineName    string
	Qty             int
	DosageText      string
	FrequencyPerDay *int
	DaysSupply      int
}

type Validation struct {
	Status            Status           `json:"status"`
	Requested         string           `json:"requested"`
	Medicine          *storex.Medicine `json:"medicine,omitempty"`
	Item              *DraftItem       `json:"-"`
	Qty               int              `json:"qty,omitempty"`
	Available         int              `json:"available,omitempty"`
	NeedsPrescription bool             `json:"needs_prescription,omitempty"`
	Prescribed        int              `json:"prescribed,omitempty"`
	Missing           []string         `json:"missing,omitempty"`
}

// ExceedsPrescription reports a request larger than the quantity on file.
func (v Validation) ExceedsPrescription() bool {
	return v.NeedsPrescription && v.Prescribed > 0 && v.Qty > v.Prescribed
}

func (v Validation) prescriptionProblem() string {
	if v.ExceedsPrescription() {
		return fmt.Sprintf("%d requested, prescription covers %d", v.Qty, v.Prescribed)
	}
	return "no prescription on file"
}

// Name is the catalog name when resolved, else what the caller asked for.
func (v Validation) Name() string {
	if v.Medicine != nil {
		return v.Medicine.Name
	}
	return v.Requested
}

type StockProblem struct {
	MedicineID string `json:"medicine_id"`
	Medicine   string `json:"medicine"`
	Requested  int    `json:"requested"`
	Available  int    `json:"available"`
}

type DecrementFailure struct {
	MedicineID string `json:"medicine_id"`
	Medicine   string `json:"medicine"`
	Qty        int    `json:"qty"`
	Error      string `json:"error"`
}

type FinalizeResult struct {
	OrderID           string             `json:"order_id"`
	Status            Status             `json:"status"`
	Problems          []StockProblem     `json:"problems,omitempty"`
	DecrementFailures []DecrementFailure `json:"decrement_failures,omitempty"`
	FinalizedAt       *time.Time         `json:"finalized_at,omitempty"`
}

type PlaceResult struct {
	Status     Status          `json:"status"`
	OrderID    string          `json:"order_id,omitempty"`
	Validation Validation      `json:"validation"`
	Finalize   *FinalizeResult `json:"finalize,omitempty"`
}

type Partition struct {
	Fulfillable       []Validation `json:"fulfillable,omitempty"`
	MissingInfo       []Validation `json:"missing_info,omitempty"`
	OutOfStock        []Validation `json:"out_of_stock,omitempty"`
	NotInCatalog      []Validation `json:"not_in_catalog,omitempty"`
	NeedsPrescription []Validation `json:"needs_prescription,omitempty"`
}

type BulkResult struct {
	Status    Status                        `json:"status"`
	OrderID   string                        `json:"order_id,omitempty"`
	Extracted []contractx.ExtractedMedicine `json:"extracted"`
	Partition Partition                     `json:"partition"`
	Finalize  *FinalizeResult               `json:"finalize,omitempty"`
	Warnings  []string                      `json:"warnings,omitempty"`
}
