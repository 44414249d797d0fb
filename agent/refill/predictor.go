package refill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	storex "github.com/tanpawarit/chative-pharmacy-agent/agent/store"
	metricsx "github.com/tanpawarit/chative-pharmacy-agent/pkg/metrics"
)

const DefaultHorizonDays = 7

type Store interface {
	ListOrders(ctx context.Context, filter storex.OrderFilter) ([]storex.Order, error)
	InsertRefillAlerts(ctx context.Context, alerts []storex.RefillAlert) error
	ListRefillAlerts(ctx context.Context, filter storex.AlertFilter) ([]storex.RefillAlert, error)
}

type Candidate struct {
	MedicineID   string    `json:"medicine_id"`
	MedicineName string    `json:"medicine_name"`
	OrderID      string    `json:"order_id"`
	RunoutDate   time.Time `json:"runout_date"`
	DaysLeft     int       `json:"days_left"`
	CurrentStock int       `json:"current_stock"`
}

type Predictor struct {
	store   Store
	metrics *metricsx.Collector
	now     func() time.Time
}

func NewPredictor(store Store, metrics *metricsx.Collector) (*Predictor, error) {
	if store == nil {
		return nil, errors.New("refill store is required")
	}
	return &Predictor{store: store, metrics: metrics, now: time.Now}, nil
}

// Candidates lists medicines from fulfilled orders whose supply runs out within
// horizonDays. Orders are read oldest first, so when a medicine appears in
// several orders the earliest-finalized one wins.
func (p *Predictor) Candidates(ctx context.Context, patientID string, horizonDays int) ([]Candidate, error) {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}

	orders, err := p.store.ListOrders(ctx, storex.OrderFilter{
		PatientID: patientID,
		Status:    storex.OrderFulfilled,
		Ascending: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list fulfilled orders: %v", contractx.ErrTransient, err)
	}

	now := p.now().UTC()
	threshold := now.AddDate(0, 0, horizonDays)
	seen := make(map[string]struct{})
	var out []Candidate

	for _, o := range orders {
		if o.FinalizedAt == nil {
			continue
		}
		for _, item := range o.Items {
			runout := o.FinalizedAt.UTC().AddDate(0, 0, item.EffectiveDaysSupply())
			if runout.Before(now) || runout.After(threshold) {
				continue
			}

			name, stock := item.MedicineID, 0
			if item.Medicine != nil {
				name, stock = item.Medicine.Name, item.Medicine.Stock
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}

			out = append(out, Candidate{
				MedicineID:   item.MedicineID,
				MedicineName: name,
				OrderID:      o.ID,
				RunoutDate:   runout,
				DaysLeft:     int(runout.Sub(now).Hours() / 24),
				CurrentStock: stock,
			})
		}
	}
	return out, nil
}

// Run appends one pending alert per candidate. It does not look at alerts from
// earlier runs; callers wanting cross-run dedup read PendingAlerts first.
func (p *Predictor) Run(ctx context.Context, patientID string, horizonDays int) ([]Candidate, error) {
	candidates, err := p.Candidates(ctx, patientID, horizonDays)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	now := p.now().UTC()
	alerts := make([]storex.RefillAlert, 0, len(candidates))
	for _, c := range candidates {
		alerts = append(alerts, storex.RefillAlert{
			ID:                  uuid.NewString(),
			PatientID:           patientID,
			MedicineID:          c.MedicineID,
			PredictedRunoutDate: c.RunoutDate,
			Status:              storex.AlertPending,
			CreatedAt:           now,
		})
	}
	if err := p.store.InsertRefillAlerts(ctx, alerts); err != nil {
		return nil, fmt.Errorf("%w: insert refill alerts: %v", contractx.ErrTransient, err)
	}

	p.metrics.AddRefillAlerts(len(alerts))
	log.Ctx(ctx).Info().Str("patient_id", patientID).Int("alerts", len(alerts)).Msg("refill alerts created")
	return candidates, nil
}

func (p *Predictor) PendingAlerts(ctx context.Context, patientID string) ([]storex.RefillAlert, error) {
	return p.Alerts(ctx, patientID, storex.AlertPending)
}

// Alerts lists alerts by status. An empty patientID lists every patient's.
func (p *Predictor) Alerts(ctx context.Context, patientID string, status storex.AlertStatus) ([]storex.RefillAlert, error) {
	alerts, err := p.store.ListRefillAlerts(ctx, storex.AlertFilter{PatientID: patientID, Status: status})
	if err != nil {
		return nil, fmt.Errorf("%w: list refill alerts: %v", contractx.ErrTransient, err)
	}
	return alerts, nil
}
