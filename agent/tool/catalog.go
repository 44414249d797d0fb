package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	orderx "github.com/tanpawarit/chative-pharmacy-agent/agent/order"
	refillx "github.com/tanpawarit/chative-pharmacy-agent/agent/refill"
	storex "github.com/tanpawarit/chative-pharmacy-agent/agent/store"
)

const (
	ToolInventorySearch       = "inventory_search"
	ToolPrescriptionVerify    = "prescription_verify"
	ToolOrderPlace            = "order_place"
	ToolOrderFromPrescription = "order_from_prescription"
	ToolOrdersQuery           = "orders_query"
	ToolRefillCheck           = "refill_check"
	ToolRefillAlertsList      = "refill_alerts_list"
	ToolNotificationLog       = "notification_log"
	ToolPatientSearch         = "patient_search"
)

var (
	patientOnly  = []contractx.Audience{contractx.AudiencePatient}
	operatorOnly = []contractx.Audience{contractx.AudienceOperator}
	everyone     = []contractx.Audience{contractx.AudiencePatient, contractx.AudienceOperator}
)

// NotificationSink records a notification for a patient.
type NotificationSink interface {
	Log(ctx context.Context, patientID, channel, kind string, payload map[string]any) (storex.Notification, error)
}

// Catalog reads the record store directly for lookups.
type Catalog interface {
	SearchMedicines(ctx context.Context, query string, limit int) ([]storex.Medicine, error)
	FindMedicineByName(ctx context.Context, name string) (*storex.Medicine, error)
	SearchPatients(ctx context.Context, nameQuery string, limit int) ([]storex.Patient, error)
	ListOrders(ctx context.Context, filter storex.OrderFilter) ([]storex.Order, error)
}

type Deps struct {
	Catalog  Catalog
	Orders   *orderx.Engine
	Refills  *refillx.Predictor
	Verifier contractx.PrescriptionVerifier
	Notifier NotificationSink
}

func (d Deps) validate() error {
	switch {
	case d.Catalog == nil:
		return errors.New("catalog is required")
	case d.Orders == nil:
		return errors.New("order engine is required")
	case d.Refills == nil:
		return errors.New("refill predictor is required")
	case d.Verifier == nil:
		return errors.New("prescription verifier is required")
	case d.Notifier == nil:
		return errors.New("notification sink is required")
	}
	return nil
}

// RegisterPharmacy installs every pharmacy capability on r.
func RegisterPharmacy(r *Registry, d Deps) error {
	if err := d.validate(); err != nil {
		return err
	}
	caps := []Capability{
		{
			Spec: contractx.CapabilitySpec{
				Name:        ToolInventorySearch,
				Description: "Search the medicine catalog by name. Returns stock, prescription requirement and price.",
				Params: []contractx.ParamSpec{
					{Name: "query", Type: contractx.ParamString, Description: "Medicine name or part of it", Required: true},
					{Name: "limit", Type: contractx.ParamInteger, Description: "Maximum results", Default: 5},
				},
			},
			Scope:     ScopePublic,
			Audiences: everyone,
			Handler:   d.inventorySearch,
		},
		{
			Spec: contractx.CapabilitySpec{
				Name:        ToolPrescriptionVerify,
				Description: "Check whether the patient has a prescription on file for a medicine.",
				Params: []contractx.ParamSpec{
					{Name: "medicine_name", Type: contractx.ParamString, Description: "Medicine to check", Required: true},
				},
			},
			Scope:     ScopePatient,
			Audiences: everyone,
			Handler:   d.prescriptionVerify,
		},
		{
			Spec: contractx.CapabilitySpec{
				Name:        ToolOrderPlace,
				Description: "Order one medicine for the patient. Checks prescription and stock, then places and fulfils the order.",
				Params: []contractx.ParamSpec{
					{Name: "medicine", Type: contractx.ParamString, Description: "Medicine name", Required: true},
					{Name: "qty", Type: contractx.ParamInteger, Description: "Units to order, 0 uses the prescribed amount", Default: 0},
					{Name: "dosage_text", Type: contractx.ParamString, Description: "Dosage, e.g. 500mg"},
					{Name: "frequency_per_day", Type: contractx.ParamInteger, Description: "Doses per day"},
					{Name: "days_supply", Type: contractx.ParamInteger, Description: "Days the order should last", Default: 30},
				},
			},
			Scope:     ScopePatient,
			Audiences: patientOnly,
			Handler:   d.orderPlace,
		},
		{
			Spec: contractx.CapabilitySpec{
				Name:        ToolOrderFromPrescription,
				Description: "Order every medicine found in prescription text in one order.",
				Params: []contractx.ParamSpec{
					{Name: "text", Type: contractx.ParamString, Description: "Prescription text", Required: true},
				},
			},
			Scope:     ScopePatient,
			Audiences: patientOnly,
			Handler:   d.orderFromPrescription,
		},
		{
			Spec: contractx.CapabilitySpec{
				Name:        ToolOrdersQuery,
				Description: "List the patient's orders, newest first.",
				Params: []contractx.ParamSpec{
					{Name: "status", Type: contractx.ParamString, Description: "Filter by status", Enum: []string{"pending", "fulfilled", "failed"}},
					{Name: "limit", Type: contractx.ParamInteger, Description: "Maximum results", Default: 10},
				},
			},
			Scope:     ScopePatient,
			Audiences: everyone,
			Handler:   d.ordersQuery,
		},
		{
			Spec: contractx.CapabilitySpec{
				Name:        ToolRefillCheck,
				Description: "Find medicines that will run out soon and create refill alerts for them.",
				Params: []contractx.ParamSpec{
					{Name: "days_ahead", Type: contractx.ParamInteger, Description: "Look-ahead window in days", Default: refillx.DefaultHorizonDays},
				},
			},
			Scope:     ScopePatient,
			Audiences: everyone,
			Handler:   d.refillCheck,
		},
		{
			Spec: contractx.CapabilitySpec{
				Name:        ToolRefillAlertsList,
				Description: "List the patient's refill alerts.",
				Params: []contractx.ParamSpec{
					{Name: "status", Type: contractx.ParamString, Description: "Alert status", Default: string(storex.AlertPending), Enum: []string{"pending", "acknowledged"}},
				},
			},
			Scope:     ScopePatient,
			Audiences: everyone,
			Handler:   d.refillAlertsList,
		},
		{
			Spec: contractx.CapabilitySpec{
				Name:        ToolNotificationLog,
				Description: "Record a notification for the patient, e.g. a refill reminder.",
				Params: []contractx.ParamSpec{
					{Name: "type", Type: contractx.ParamString, Description: "Notification type", Required: true},
					{Name: "channel", Type: contractx.ParamString, Description: "Delivery channel", Default: "app"},
					{Name: "payload", Type: contractx.ParamObject, Description: "Extra data"},
				},
			},
			Scope:     ScopePatient,
			Audiences: patientOnly,
			Handler:   d.notificationLog,
		},
		{
			Spec: contractx.CapabilitySpec{
				Name:        ToolPatientSearch,
				Description: "Search patients by name.",
				Params: []contractx.ParamSpec{
					{Name: "name_query", Type: contractx.ParamString, Description: "Patient name or part of it", Required: true},
					{Name: "limit", Type: contractx.ParamInteger, Description: "Maximum results", Default: 5},
				},
			},
			Scope:     ScopePublic,
			Audiences: operatorOnly,
			Handler:   d.patientSearch,
		},
	}

	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

type inventorySearchInput struct {
	Query string `mapstructure:"query" validate:"required"`
	Limit int    `mapstructure:"limit" validate:"min=1,max=50"`
}

func (d Deps) inventorySearch(ctx context.Context, call Call) contractx.CapabilityResult {
	var in inventorySearchInput
	if err := bind(call.Args, &in); err != nil {
		return contractx.Failure(contractx.ReasonInvalidArguments, err.Error())
	}
	meds, err := d.Catalog.SearchMedicines(ctx, in.Query, in.Limit)
	if err != nil {
		return collaboratorFailure(ctx, ToolInventorySearch, err)
	}
	if len(meds) == 0 {
		return contractx.CapabilityResult{Success: true, Summary: fmt.Sprintf("no medicines match %q", in.Query), Data: meds}
	}

	lines := make([]string, 0, len(meds))
	for _, m := range meds {
		rx := "no prescription needed"
		if m.PrescriptionRequired {
			rx = "prescription required"
		}
		name := m.Name
		if m.Strength != "" {
			name += " " + m.Strength
		}
		lines = append(lines, fmt.Sprintf("%s: %d in stock, %s, %.2f", name, m.Stock, rx, m.Price))
	}
	return contractx.CapabilityResult{Success: true, Summary: strings.Join(lines, "\n"), Data: meds}
}

type prescriptionVerifyInput struct {
	MedicineName string `mapstructure:"medicine_name" validate:"required"`
}

func (d Deps) prescriptionVerify(ctx context.Context, call Call) contractx.CapabilityResult {
	var in prescriptionVerifyInput
	if err := bind(call.Args, &in); err != nil {
		return contractx.Failure(contractx.ReasonInvalidArguments, err.Error())
	}

	med, err := d.Catalog.FindMedicineByName(ctx, in.MedicineName)
	if err != nil {
		if errors.Is(err, storex.ErrNotFound) {
			return contractx.Failure(contractx.ReasonNotInCatalog, fmt.Sprintf("%s is not in the catalog", in.MedicineName))
		}
		return collaboratorFailure(ctx, ToolPrescriptionVerify, err)
	}
	if !med.PrescriptionRequired {
		return contractx.CapabilityResult{
			Success: true,
			Summary: fmt.Sprintf("%s does not require a prescription", med.Name),
			Data:    contractx.Verification{Verified: true},
		}
	}

	v, err := d.Verifier.Verify(ctx, med.Name, call.PatientID)
	if err != nil {
		return collaboratorFailure(ctx, ToolPrescriptionVerify, err)
	}
	if !v.Verified {
		res := contractx.Failure(contractx.ReasonNeedsPrescription, fmt.Sprintf("no prescription for %s on file", med.Name))
		res.Data = v
		return res
	}

	summary := fmt.Sprintf("prescription for %s found, quantity %d", med.Name, v.Quantity)
	if v.DosageText != "" {
		summary += ", dosage " + v.DosageText
	}
	if v.FrequencyPerDay != nil {
		summary += fmt.Sprintf(", %d times a day", *v.FrequencyPerDay)
	}
	return contractx.CapabilityResult{Success: true, Summary: summary, Data: v}
}

type orderPlaceInput struct {
	Medicine        string `mapstructure:"medicine" validate:"required"`
	Qty             int    `mapstructure:"qty" validate:"min=0"`
	DosageText      string `mapstructure:"dosage_text"`
	FrequencyPerDay int    `mapstructure:"frequency_per_day" validate:"min=0,max=24"`
	DaysSupply      int    `mapstructure:"days_supply" validate:"min=0,max=365"`
}

func (d Deps) orderPlace(ctx context.Context, call Call) contractx.CapabilityResult {
	var in orderPlaceInput
	if err := bind(call.Args, &in); err != nil {
		return contractx.Failure(contractx.ReasonInvalidArguments, err.Error())
	}

	req := orderx.ItemRequest{
		Name:       in.Medicine,
		Qty:        in.Qty,
		DosageText: in.DosageText,
		DaysSupply: in.DaysSupply,
	}
	if in.FrequencyPerDay > 0 {
		freq := in.FrequencyPerDay
		req.FrequencyPerDay = &freq
	}

	placed, err := d.Orders.Place(ctx, call.PatientID, req)
	if err != nil {
		return orderFailure(ctx, ToolOrderPlace, err)
	}
	return placeResult(placed)
}

func placeResult(p orderx.PlaceResult) contractx.CapabilityResult {
	v := p.Validation
	name := v.Name()
	res := contractx.CapabilityResult{Success: p.Status == orderx.StatusOK, Reason: p.Status.Reason(), Data: p}

	switch p.Status {
	case orderx.StatusOK:
		res.Summary = fmt.Sprintf("order %s placed: %d x %s", p.OrderID, v.Qty, name)
		if p.Finalize != nil && len(p.Finalize.DecrementFailures) > 0 {
			res.Summary += " (stock needs reconciliation)"
		}
	case orderx.StatusNotInCatalog:
		res.Summary = fmt.Sprintf("%s is not in the catalog", name)
	case orderx.StatusNeedsPrescription:
		res.Summary = fmt.Sprintf("%s requires a prescription and none is on file", name)
		if v.ExceedsPrescription() {
			res.Summary = fmt.Sprintf("%s: %d requested but the prescription on file covers %d", name, v.Qty, v.Prescribed)
		}
	case orderx.StatusNeedsMoreInfo:
		res.Summary = fmt.Sprintf("%s needs more information: %s", name, strings.Join(v.Missing, ", "))
	case orderx.StatusInsufficientStock:
		if p.Finalize != nil {
			res.Summary = stockProblems(p.Finalize.Problems)
		} else {
			res.Summary = fmt.Sprintf("only %d %s in stock, %d requested", v.Available, name, v.Qty)
		}
	default:
		res.Summary = "order could not be placed"
	}
	return res
}

type orderFromPrescriptionInput struct {
	Text string `mapstructure:"text" validate:"required"`
}

func (d Deps) orderFromPrescription(ctx context.Context, call Call) contractx.CapabilityResult {
	var in orderFromPrescriptionInput
	if err := bind(call.Args, &in); err != nil {
		return contractx.Failure(contractx.ReasonInvalidArguments, err.Error())
	}

	bulk, err := d.Orders.PlaceFromPrescription(ctx, call.PatientID, in.Text)
	if err != nil {
		return orderFailure(ctx, ToolOrderFromPrescription, err)
	}

	res := contractx.CapabilityResult{Success: bulk.Status == orderx.StatusOK, Reason: bulk.Status.Reason(), Data: bulk}
	var parts []string
	switch bulk.Status {
	case orderx.StatusOK:
		names := make([]string, 0, len(bulk.Partition.Fulfillable))
		for _, v := range bulk.Partition.Fulfillable {
			names = append(names, fmt.Sprintf("%d x %s", v.Qty, v.Name()))
		}
		parts = append(parts, fmt.Sprintf("order %s placed: %s", bulk.OrderID, strings.Join(names, ", ")))
	case orderx.StatusNeedsMoreInfo:
		for _, v := range bulk.Partition.MissingInfo {
			parts = append(parts, fmt.Sprintf("%s needs %s", v.Name(), strings.Join(v.Missing, ", ")))
		}
		if len(parts) == 0 {
			parts = append(parts, "no medicines recognised in the text")
		} else {
			parts = append([]string{"nothing ordered yet"}, parts...)
		}
		return withSummary(res, parts)
	case orderx.StatusInsufficientStock:
		if bulk.Finalize != nil {
			parts = append(parts, stockProblems(bulk.Finalize.Problems))
		} else {
			parts = append(parts, "nothing could be ordered")
		}
	default:
		parts = append(parts, "nothing could be ordered")
	}
	parts = append(parts, bulk.Warnings...)
	return withSummary(res, parts)
}

type ordersQueryInput struct {
	Status string `mapstructure:"status" validate:"omitempty,oneof=pending fulfilled failed"`
	Limit  int    `mapstructure:"limit" validate:"min=1,max=100"`
}

func (d Deps) ordersQuery(ctx context.Context, call Call) contractx.CapabilityResult {
	var in ordersQueryInput
	if err := bind(call.Args, &in); err != nil {
		return contractx.Failure(contractx.ReasonInvalidArguments, err.Error())
	}
	orders, err := d.Catalog.ListOrders(ctx, storex.OrderFilter{
		PatientID: call.PatientID,
		Status:    storex.OrderStatus(in.Status),
		Limit:     in.Limit,
	})
	if err != nil {
		return collaboratorFailure(ctx, ToolOrdersQuery, err)
	}
	if len(orders) == 0 {
		return contractx.CapabilityResult{Success: true, Summary: "no orders found", Data: orders}
	}

	lines := make([]string, 0, len(orders))
	for _, o := range orders {
		var items []string
		for _, it := range o.Items {
			name := it.MedicineID
			if it.Medicine != nil {
				name = it.Medicine.Name
			}
			items = append(items, fmt.Sprintf("%d x %s", it.Qty, name))
		}
		lines = append(lines, fmt.Sprintf("%s %s %s: %s", o.CreatedAt.Format("2006-01-02"), o.ID, o.Status, strings.Join(items, ", ")))
	}
	return contractx.CapabilityResult{Success: true, Summary: strings.Join(lines, "\n"), Data: orders}
}

type refillCheckInput struct {
	DaysAhead int `mapstructure:"days_ahead" validate:"min=1,max=90"`
}

func (d Deps) refillCheck(ctx context.Context, call Call) contractx.CapabilityResult {
	var in refillCheckInput
	if err := bind(call.Args, &in); err != nil {
		return contractx.Failure(contractx.ReasonInvalidArguments, err.Error())
	}
	candidates, err := d.Refills.Run(ctx, call.PatientID, in.DaysAhead)
	if err != nil {
		return collaboratorFailure(ctx, ToolRefillCheck, err)
	}
	if len(candidates) == 0 {
		return contractx.CapabilityResult{
			Success: true,
			Summary: fmt.Sprintf("no medicines run out in the next %d days", in.DaysAhead),
			Data:    candidates,
		}
	}

	lines := make([]string, 0, len(candidates))
	for _, c := range candidates {
		lines = append(lines, fmt.Sprintf("%s runs out in %d day(s) on %s, %d in stock",
			c.MedicineName, c.DaysLeft, c.RunoutDate.Format("2006-01-02"), c.CurrentStock))
	}
	return contractx.CapabilityResult{Success: true, Summary: strings.Join(lines, "\n"), Data: candidates}
}

type refillAlertsListInput struct {
	Status string `mapstructure:"status" validate:"oneof=pending acknowledged"`
}

func (d Deps) refillAlertsList(ctx context.Context, call Call) contractx.CapabilityResult {
	var in refillAlertsListInput
	if err := bind(call.Args, &in); err != nil {
		return contractx.Failure(contractx.ReasonInvalidArguments, err.Error())
	}

	var (
		alerts []storex.RefillAlert
		err    error
	)
	if storex.AlertStatus(in.Status) == storex.AlertPending {
		alerts, err = d.Refills.PendingAlerts(ctx, call.PatientID)
	} else {
		alerts, err = d.Refills.Alerts(ctx, call.PatientID, storex.AlertStatus(in.Status))
	}
	if err != nil {
		return collaboratorFailure(ctx, ToolRefillAlertsList, err)
	}
	return contractx.CapabilityResult{
		Success: true,
		Summary: fmt.Sprintf("%d %s refill alert(s)", len(alerts), in.Status),
		Data:    alerts,
	}
}

type notificationLogInput struct {
	Type    string         `mapstructure:"type" validate:"required"`
	Channel string         `mapstructure:"channel"`
	Payload map[string]any `mapstructure:"payload"`
}

func (d Deps) notificationLog(ctx context.Context, call Call) contractx.CapabilityResult {
	var in notificationLogInput
	if err := bind(call.Args, &in); err != nil {
		return contractx.Failure(contractx.ReasonInvalidArguments, err.Error())
	}
	n, err := d.Notifier.Log(ctx, call.PatientID, in.Channel, in.Type, in.Payload)
	if err != nil {
		return collaboratorFailure(ctx, ToolNotificationLog, err)
	}
	return contractx.CapabilityResult{
		Success: true,
		Summary: fmt.Sprintf("%s notification logged on %s", n.Type, n.Channel),
		Data:    n,
	}
}

type patientSearchInput struct {
	NameQuery string `mapstructure:"name_query" validate:"required"`
	Limit     int    `mapstructure:"limit" validate:"min=1,max=50"`
}

func (d Deps) patientSearch(ctx context.Context, call Call) contractx.CapabilityResult {
	var in patientSearchInput
	if err := bind(call.Args, &in); err != nil {
		return contractx.Failure(contractx.ReasonInvalidArguments, err.Error())
	}
	patients, err := d.Catalog.SearchPatients(ctx, in.NameQuery, in.Limit)
	if err != nil {
		return collaboratorFailure(ctx, ToolPatientSearch, err)
	}
	if len(patients) == 0 {
		return contractx.CapabilityResult{Success: true, Summary: fmt.Sprintf("no patients match %q", in.NameQuery), Data: patients}
	}
	lines := make([]string, 0, len(patients))
	for _, p := range patients {
		lines = append(lines, fmt.Sprintf("%s (user_id %s)", p.FullName, p.UserID))
	}
	return contractx.CapabilityResult{Success: true, Summary: strings.Join(lines, "\n"), Data: patients}
}

func withSummary(res contractx.CapabilityResult, parts []string) contractx.CapabilityResult {
	res.Summary = strings.Join(parts, "\n")
	return res
}

func stockProblems(problems []orderx.StockProblem) string {
	lines := make([]string, 0, len(problems))
	for _, p := range problems {
		lines = append(lines, fmt.Sprintf("%s: %d requested, %d available", p.Medicine, p.Requested, p.Available))
	}
	return "insufficient stock\n" + strings.Join(lines, "\n")
}

func orderFailure(ctx context.Context, capability string, err error) contractx.CapabilityResult {
	if errors.Is(err, orderx.ErrOrderNotFound) {
		return contractx.Failure(contractx.ReasonOrderNotFound, "order not found")
	}
	return collaboratorFailure(ctx, capability, err)
}

// collaboratorFailure hides the raw error from the caller and keeps it in the log.
func collaboratorFailure(ctx context.Context, capability string, err error) contractx.CapabilityResult {
	reason := contractx.ReasonOf(err)
	logger := log.Ctx(ctx)
	if reason == contractx.ReasonInvariantViolation {
		logger.Error().Err(err).Str("capability", capability).Msg("invariant violation")
		return contractx.Failure(reason, "request could not be processed")
	}
	logger.Warn().Err(err).Str("capability", capability).Msg("capability failed")
	if reason == contractx.ReasonInvalidArguments {
		return contractx.Failure(reason, "invalid arguments")
	}
	return contractx.Failure(reason, fmt.Sprintf("%s is temporarily unavailable", capability))
}
