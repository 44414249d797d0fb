package prescription

import (
	"context"
	"errors"
	"testing"
	"time"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	storex "github.com/tanpawarit/chative-pharmacy-agent/agent/store"
)

type fakeRecords struct {
	records []storex.PrescriptionRecord
	err     error
}

func (f fakeRecords) ListPrescriptionRecords(context.Context, string) ([]storex.PrescriptionRecord, error) {
	return f.records, f.err
}

func TestVerifyFindsMedicineAndParsesInstructions(t *testing.T) {
	t.Parallel()

	v, err := NewVerifier(fakeRecords{records: []storex.PrescriptionRecord{
		{ID: "r2", ExtractedText: "Dr. Lee\nIbuprofen 400mg, 3 times daily after meals. Qty: 20", CreatedAt: time.Now()},
		{ID: "r1", ExtractedText: "Amoxicillin 500mg every 8 hours"},
	}})
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	got, err := v.Verify(context.Background(), "ibuprofen", "p1")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !got.Verified {
		t.Fatalf("Verify() verified = false")
	}
	if got.Quantity != 400 {
		t.Fatalf("Quantity = %d, want first number after the name (400)", got.Quantity)
	}
	if got.DosageText != "400mg" {
		t.Fatalf("DosageText = %q, want 400mg", got.DosageText)
	}
	if got.FrequencyPerDay == nil || *got.FrequencyPerDay != 3 {
		t.Fatalf("FrequencyPerDay = %v, want 3", got.FrequencyPerDay)
	}

	got, _ = v.Verify(context.Background(), "AMOXICILLIN", "p1")
	if got.FrequencyPerDay == nil || *got.FrequencyPerDay != 3 {
		t.Fatalf("every 8 hours frequency = %v, want 3", got.FrequencyPerDay)
	}
}

func TestVerifyDefaultsQuantityToOne(t *testing.T) {
	t.Parallel()

	v, _ := NewVerifier(fakeRecords{records: []storex.PrescriptionRecord{
		{ExtractedText: "Take metformin with food, twice a day."},
	}})
	got, err := v.Verify(context.Background(), "Metformin", "p1")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.Quantity != 1 {
		t.Fatalf("Quantity = %d, want 1", got.Quantity)
	}
	if got.DosageText != "" {
		t.Fatalf("DosageText = %q, want empty", got.DosageText)
	}
	if got.FrequencyPerDay == nil || *got.FrequencyPerDay != 2 {
		t.Fatalf("FrequencyPerDay = %v, want 2", got.FrequencyPerDay)
	}
}

func TestVerifyNotFound(t *testing.T) {
	t.Parallel()

	v, _ := NewVerifier(fakeRecords{records: []storex.PrescriptionRecord{{ExtractedText: "Paracetamol 500mg"}}})
	got, err := v.Verify(context.Background(), "Warfarin", "p1")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.Verified {
		t.Fatalf("Verify() verified = true for absent medicine")
	}
}

func TestVerifyStoreFailureIsTransient(t *testing.T) {
	t.Parallel()

	v, _ := NewVerifier(fakeRecords{err: errors.New("timeout")})
	if _, err := v.Verify(context.Background(), "x", "p1"); !errors.Is(err, contractx.ErrTransient) {
		t.Fatalf("Verify() error = %v, want ErrTransient", err)
	}
}
