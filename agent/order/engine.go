package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	storex "github.com/tanpawarit/chative-pharmacy-agent/agent/store"
	metricsx "github.com/tanpawarit/chative-pharmacy-agent/pkg/metrics"
)

var ErrOrderNotFound = errors.New("order not found")

// Store is the slice of the record store the engine touches.
type Store interface {
	GetMedicine(ctx context.Context, id string) (*storex.Medicine, error)
	FindMedicineByName(ctx context.Context, name string) (*storex.Medicine, error)
	DecrementStock(ctx context.Context, medicineID string, qty int) (int, error)
	CreateOrder(ctx context.Context, order *storex.Order) error
	GetOrder(ctx context.Context, orderID string) (*storex.Order, error)
	MarkOrderFulfilled(ctx context.Context, orderID string, at time.Time) error
}

type Option func(*Engine)

func WithMetrics(m *metricsx.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithExtractor(x contractx.TextExtractor) Option {
	return func(e *Engine) { e.extractor = x }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine runs the purchase transaction: validate, draft, finalize.
type Engine struct {
	store     Store
	verifier  contractx.PrescriptionVerifier
	extractor contractx.TextExtractor
	metrics   *metricsx.Collector
	now       func() time.Time
	newID     func() string
}

func NewEngine(store Store, verifier contractx.PrescriptionVerifier, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("order store is required")
	}
	if verifier == nil {
		return nil, errors.New("prescription verifier is required")
	}
	e := &Engine{
		store:    store,
		verifier: verifier,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Validate checks one requested item against the catalog, the patient's
// prescriptions and current stock. It never writes.
func (e *Engine) Validate(ctx context.Context, patientID string, req ItemRequest) (Validation, error) {
	requested := strings.TrimSpace(req.Name)
	if requested == "" {
		requested = strings.TrimSpace(req.MedicineID)
	}
	if requested == "" {
		return Validation{}, fmt.Errorf("%w: medicine id or name is required", contractx.ErrValidation)
	}
	if req.Qty < 0 {
		return Validation{}, fmt.Errorf("%w: qty must not be negative", contractx.ErrValidation)
	}

	out := Validation{Requested: requested}

	med, err := e.lookupMedicine(ctx, req)
	if err != nil {
		if errors.Is(err, storex.ErrNotFound) {
			out.Status = StatusNotInCatalog
			return out, nil
		}
		return Validation{}, fmt.Errorf("%w: lookup medicine: %v", contractx.ErrTransient, err)
	}
	out.Medicine = med

	qty := req.Qty
	dosage := strings.TrimSpace(req.DosageText)
	frequency := req.FrequencyPerDay

	if med.PrescriptionRequired {
		verification, err := e.verifier.Verify(ctx, med.Name, patientID)
		if err != nil {
			return Validation{}, err
		}
		if !verification.Verified {
			out.Status = StatusNeedsPrescription
			out.NeedsPrescription = true
			return out, nil
		}
		prescribed := verification.Quantity
		if prescribed <= 0 {
			prescribed = 1
		}
		out.Prescribed = prescribed
		if qty == 0 {
			qty = prescribed
		}
		if qty > prescribed {
			out.Status = StatusNeedsPrescription
			out.NeedsPrescription = true
			out.Qty = qty
			return out, nil
		}
		if dosage == "" {
			dosage = verification.DosageText
		}
		if frequency == nil {
			frequency = verification.FrequencyPerDay
		}

		if dosage == "" {
			out.Missing = append(out.Missing, MissingDosage)
		}
		if frequency == nil {
			out.Missing = append(out.Missing, MissingFrequency)
		}
	}
	if qty <= 0 {
		qty = 1
	}
	out.Qty = qty

	if len(out.Missing) > 0 {
		out.Status = StatusNeedsMoreInfo
		return out, nil
	}

	if med.Stock < qty {
		out.Status = StatusInsufficientStock
		out.Available = med.Stock
		return out, nil
	}

	daysSupply := req.DaysSupply
	if daysSupply <= 0 {
		daysSupply = storex.DefaultDaysSupply
	}
	out.Status = StatusOK
	out.Available = med.Stock
	out.Item = &DraftItem{
		MedicineID:      med.ID,
		MedicineName:    med.Name,
		Qty:             qty,
		DosageText:      dosage,
		FrequencyPerDay: frequency,
		DaysSupply:      daysSupply,
	}
	return out, nil
}

// Draft writes a pending order and its items in one store transaction.
func (e *Engine) Draft(ctx context.Context, patientID, channel string, items []DraftItem) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("%w: draft with zero items", contractx.ErrInvariant)
	}
	if strings.TrimSpace(patientID) == "" {
		return "", fmt.Errorf("%w: draft without patient", contractx.ErrInvariant)
	}

	o := &storex.Order{
		ID:         e.newID(),
		PatientID:  patientID,
		Status:     storex.OrderPending,
		Channel:    channel,
		TotalItems: len(items),
		CreatedAt:  e.now().UTC(),
	}
	for _, it := range items {
		if it.Qty <= 0 {
			return "", fmt.Errorf("%w: item %s has qty %d", contractx.ErrInvariant, it.MedicineID, it.Qty)
		}
		o.Items = append(o.Items, &storex.OrderItem{
			ID:              e.newID(),
			OrderID:         o.ID,
			MedicineID:      it.MedicineID,
			Qty:             it.Qty,
			DosageText:      it.DosageText,
			FrequencyPerDay: it.FrequencyPerDay,
			DaysSupply:      it.DaysSupply,
		})
	}

	if err := e.store.CreateOrder(ctx, o); err != nil {
		return "", fmt.Errorf("%w: create order: %v", contractx.ErrTransient, err)
	}
	log.Ctx(ctx).Debug().Str("order_id", o.ID).Str("patient_id", patientID).Int("items", len(items)).Msg("order drafted")
	return o.ID, nil
}

// Finalize re-checks stock for every item, then marks the order fulfilled and
// decrements stock item by item. Decrement failures are reported, not rolled back.
func (e *Engine) Finalize(ctx context.Context, orderID string) (FinalizeResult, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, storex.ErrNotFound) {
			return FinalizeResult{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return FinalizeResult{}, fmt.Errorf("%w: load order: %v", contractx.ErrTransient, err)
	}
	if o.Status != storex.OrderPending {
		return FinalizeResult{}, fmt.Errorf("%w: order %s is %s, not pending", contractx.ErrInvariant, orderID, o.Status)
	}
	if len(o.Items) == 0 {
		return FinalizeResult{}, fmt.Errorf("%w: order %s has no items", contractx.ErrInvariant, orderID)
	}

	result := FinalizeResult{OrderID: orderID}

	type need struct {
		name string
		qty  int
	}
	needs := make(map[string]*need)
	var medOrder []string
	for _, item := range o.Items {
		n, ok := needs[item.MedicineID]
		if !ok {
			n = &need{}
			needs[item.MedicineID] = n
			medOrder = append(medOrder, item.MedicineID)
		}
		n.qty += item.Qty
	}

	for _, medID := range medOrder {
		n := needs[medID]
		med, err := e.store.GetMedicine(ctx, medID)
		if err != nil {
			if errors.Is(err, storex.ErrNotFound) {
				result.Problems = append(result.Problems, StockProblem{MedicineID: medID, Medicine: medID, Requested: n.qty})
				continue
			}
			return FinalizeResult{}, fmt.Errorf("%w: re-check stock: %v", contractx.ErrTransient, err)
		}
		n.name = med.Name
		if med.Stock < n.qty {
			result.Problems = append(result.Problems, StockProblem{
				MedicineID: medID,
				Medicine:   med.Name,
				Requested:  n.qty,
				Available:  med.Stock,
			})
		}
	}

	if len(result.Problems) > 0 {
		result.Status = StatusInsufficientStock
		e.metrics.ObserveOrder(string(result.Status))
		return result, nil
	}

	// Past this point the order commits even if the caller goes away.
	commitCtx := context.WithoutCancel(ctx)
	logger := log.Ctx(ctx).With().Str("order_id", orderID).Logger()

	finalizedAt := e.now().UTC()
	if err := e.store.MarkOrderFulfilled(commitCtx, orderID, finalizedAt); err != nil {
		return FinalizeResult{}, fmt.Errorf("%w: mark fulfilled: %v", contractx.ErrTransient, err)
	}
	result.Status = StatusOK
	result.FinalizedAt = &finalizedAt

	for _, item := range o.Items {
		if _, err := e.store.DecrementStock(commitCtx, item.MedicineID, item.Qty); err != nil {
			name := needs[item.MedicineID].name
			logger.Error().Err(err).
				Str("medicine_id", item.MedicineID).
				Int("qty", item.Qty).
				Msg("stock decrement failed after fulfilment")
			e.metrics.IncDecrementFailure()
			result.DecrementFailures = append(result.DecrementFailures, DecrementFailure{
				MedicineID: item.MedicineID,
				Medicine:   name,
				Qty:        item.Qty,
				Error:      err.Error(),
			})
		}
	}

	e.metrics.ObserveOrder(string(result.Status))
	logger.Info().Int("items", len(o.Items)).Int("decrement_failures", len(result.DecrementFailures)).Msg("order fulfilled")
	return result, nil
}

// Place runs validate, draft and finalize for a single item.
func (e *Engine) Place(ctx context.Context, patientID string, req ItemRequest) (PlaceResult, error) {
	v, err := e.Validate(ctx, patientID, req)
	if err != nil {
		return PlaceResult{}, err
	}
	out := PlaceResult{Status: v.Status, Validation: v}
	if v.Status != StatusOK {
		e.metrics.ObserveOrder(string(v.Status))
		return out, nil
	}

	orderID, err := e.Draft(ctx, patientID, ChannelAgentChat, []DraftItem{*v.Item})
	if err != nil {
		return PlaceResult{}, err
	}
	out.OrderID = orderID

	fin, err := e.Finalize(ctx, orderID)
	if err != nil {
		return PlaceResult{}, err
	}
	out.Finalize = &fin
	out.Status = fin.Status
	return out, nil
}

// PlaceFromPrescription extracts medicines from free text and orders every
// fulfillable one in a single order. Any item missing dosage or frequency
// defers the whole batch.
func (e *Engine) PlaceFromPrescription(ctx context.Context, patientID, rawText string) (BulkResult, error) {
	if e.extractor == nil {
		return BulkResult{}, fmt.Errorf("%w: text extractor is not configured", contractx.ErrTransient)
	}
	extracted, err := e.extractor.ExtractMedicines(ctx, rawText)
	if err != nil {
		return BulkResult{}, err
	}

	out := BulkResult{Extracted: extracted}
	if len(extracted) == 0 {
		out.Status = StatusNeedsMoreInfo
		out.Warnings = append(out.Warnings, "no medicines recognised in the text")
		return out, nil
	}

	for _, em := range extracted {
		v, err := e.Validate(ctx, patientID, ItemRequest{
			Name:            em.Name,
			Qty:             em.Qty,
			DosageText:      em.DosageText,
			FrequencyPerDay: em.FrequencyPerDay,
		})
		if err != nil {
			return BulkResult{}, err
		}
		switch v.Status {
		case StatusOK:
			out.Partition.Fulfillable = append(out.Partition.Fulfillable, v)
		case StatusNeedsMoreInfo:
			out.Partition.MissingInfo = append(out.Partition.MissingInfo, v)
		case StatusInsufficientStock:
			out.Partition.OutOfStock = append(out.Partition.OutOfStock, v)
		case StatusNotInCatalog:
			out.Partition.NotInCatalog = append(out.Partition.NotInCatalog, v)
		case StatusNeedsPrescription:
			out.Partition.NeedsPrescription = append(out.Partition.NeedsPrescription, v)
		}
	}

	p := out.Partition
	if len(p.MissingInfo) > 0 {
		out.Status = StatusNeedsMoreInfo
		e.metrics.ObserveOrder(string(out.Status))
		return out, nil
	}

	out.Warnings = partitionWarnings(p)

	if len(p.Fulfillable) == 0 {
		switch {
		case len(p.OutOfStock) > 0:
			out.Status = StatusInsufficientStock
		case len(p.NeedsPrescription) > 0:
			out.Status = StatusNeedsPrescription
		default:
			out.Status = StatusNotInCatalog
		}
		e.metrics.ObserveOrder(string(out.Status))
		return out, nil
	}

	items := make([]DraftItem, 0, len(p.Fulfillable))
	for _, v := range p.Fulfillable {
		items = append(items, *v.Item)
	}
	orderID, err := e.Draft(ctx, patientID, ChannelPrescriptionUpload, items)
	if err != nil {
		return BulkResult{}, err
	}
	out.OrderID = orderID

	fin, err := e.Finalize(ctx, orderID)
	if err != nil {
		return BulkResult{}, err
	}
	out.Finalize = &fin
	out.Status = fin.Status
	return out, nil
}

func (e *Engine) lookupMedicine(ctx context.Context, req ItemRequest) (*storex.Medicine, error) {
	if id := strings.TrimSpace(req.MedicineID); id != "" {
		return e.store.GetMedicine(ctx, id)
	}
	return e.store.FindMedicineByName(ctx, req.Name)
}

func partitionWarnings(p Partition) []string {
	var out []string
	for _, v := range p.OutOfStock {
		out = append(out, fmt.Sprintf("%s skipped: only %d in stock, %d requested", v.Name(), v.Available, v.Qty))
	}
	for _, v := range p.NeedsPrescription {
		out = append(out, fmt.Sprintf("%s skipped: %s", v.Name(), v.prescriptionProblem()))
	}
	for _, v := range p.NotInCatalog {
		out = append(out, fmt.Sprintf("%s skipped: not in catalog", v.Name()))
	}
	return out
}
