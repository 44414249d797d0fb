package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used when no database is configured.
type MemoryStore struct {
	mu sync.RWMutex

	patients      map[string]Patient
	medicines     map[string]Medicine
	orders        map[string]*Order
	records       []PrescriptionRecord
	alerts        []RefillAlert
	notifications []Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:  make(map[string]Patient),
		medicines: make(map[string]Medicine),
		orders:    make(map[string]*Order),
	}
}

func (s *MemoryStore) PutPatient(p Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
}

func (s *MemoryStore) PutMedicine(m Medicine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.medicines[m.ID] = m
}

func (s *MemoryStore) PutPrescriptionRecord(r PrescriptionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.RecordType == "" {
		r.RecordType = RecordTypePrescription
	}
	s.records = append(s.records, r)
}

// PutOrder stores a fully formed order as-is, items included.
func (s *MemoryStore) PutOrder(o Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = cloneOrder(&o)
}

func (s *MemoryStore) FindPatientByUserID(_ context.Context, userID string) (*Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.patients {
		if p.UserID == userID {
			out := p
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: patient", ErrNotFound)
}

func (s *MemoryStore) SearchPatients(_ context.Context, nameQuery string, limit int) ([]Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(strings.TrimSpace(nameQuery))
	var out []Patient
	for _, p := range s.patients {
		if strings.Contains(strings.ToLower(p.FullName), needle) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return truncate(out, limit), nil
}

func (s *MemoryStore) SearchMedicines(_ context.Context, query string, limit int) ([]Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return truncate(s.medicinesMatching(query), limit), nil
}

func (s *MemoryStore) GetMedicine(_ context.Context, id string) (*Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.medicines[id]
	if !ok {
		return nil, fmt.Errorf("%w: medicine", ErrNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) FindMedicineByName(_ context.Context, name string) (*Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := strings.ToLower(strings.TrimSpace(name))
	matches := s.medicinesMatching(name)
	for _, m := range matches {
		if strings.ToLower(m.Name) == want {
			return &m, nil
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: medicine", ErrNotFound)
	}
	m := matches[0]
	return &m, nil
}

func (s *MemoryStore) DecrementStock(_ context.Context, medicineID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("decrement qty must be positive, got %d", qty)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.medicines[medicineID]
	if !ok {
		return 0, fmt.Errorf("%w: medicine", ErrNotFound)
	}
	if m.Stock < qty {
		return m.Stock, fmt.Errorf("%w: medicine %s has %d, need %d", ErrInsufficientStock, medicineID, m.Stock, qty)
	}
	m.Stock -= qty
	s.medicines[medicineID] = m
	return m.Stock, nil
}

func (s *MemoryStore) ListPrescriptionRecords(_ context.Context, patientID string) ([]PrescriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PrescriptionRecord
	for _, r := range s.records {
		if r.PatientID == patientID && r.RecordType == RecordTypePrescription {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, order *Order) error {
	if order == nil {
		return errors.New("order is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; exists {
		return fmt.Errorf("insert order: duplicate id %s", order.ID)
	}
	for _, item := range order.Items {
		item.OrderID = order.ID
	}
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order", ErrNotFound)
	}
	return s.hydrate(o), nil
}

func (s *MemoryStore) MarkOrderFulfilled(_ context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status != OrderPending {
		return fmt.Errorf("%w: pending order %s", ErrNotFound, orderID)
	}
	o.Status = OrderFulfilled
	finalized := at
	o.FinalizedAt = &finalized
	return nil
}

func (s *MemoryStore) ListOrders(_ context.Context, filter OrderFilter) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Order
	for _, o := range s.orders {
		if filter.PatientID != "" && o.PatientID != filter.PatientID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		out = append(out, *s.hydrate(o))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if filter.Ascending {
			ti, tj := finalizedOrCreated(out[i]), finalizedOrCreated(out[j])
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return truncate(out, filter.Limit), nil
}

func (s *MemoryStore) InsertRefillAlerts(_ context.Context, alerts []RefillAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alerts...)
	return nil
}

func (s *MemoryStore) ListRefillAlerts(_ context.Context, filter AlertFilter) ([]RefillAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RefillAlert
	for _, a := range s.alerts {
		if filter.PatientID != "" && a.PatientID != filter.PatientID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PredictedRunoutDate.Before(out[j].PredictedRunoutDate) })
	return out, nil
}

func (s *MemoryStore) InsertNotification(_ context.Context, n *Notification) error {
	if n == nil {
		return errors.New("notification is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, *n)
	return nil
}

func (s *MemoryStore) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notification(nil), s.notifications...)
}

func (s *MemoryStore) medicinesMatching(query string) []Medicine {
	needle := strings.ToLower(strings.TrimSpace(query))
	var out []Medicine
	for _, m := range s.medicines {
		if strings.Contains(strings.ToLower(m.Name), needle) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// hydrate returns a copy of o with each item's Medicine attached. Caller holds the lock.
func (s *MemoryStore) hydrate(o *Order) *Order {
	out := cloneOrder(o)
	for _, item := range out.Items {
		if m, ok := s.medicines[item.MedicineID]; ok {
			med := m
			item.Medicine = &med
		}
	}
	return out
}

func cloneOrder(o *Order) *Order {
	out := *o
	out.Items = make([]*OrderItem, 0, len(o.Items))
	for _, item := range o.Items {
		cp := *item
		cp.Medicine = nil
		out.Items = append(out.Items, &cp)
	}
	if o.FinalizedAt != nil {
		t := *o.FinalizedAt
		out.FinalizedAt = &t
	}
	return &out
}

func finalizedOrCreated(o Order) time.Time {
	if o.FinalizedAt != nil {
		return *o.FinalizedAt
	}
	return o.CreatedAt
}

func truncate[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
