package contract

import "context"

type DecisionOracle interface {
	Decide(ctx context.Context, req DecisionRequest) (Decision, error)
}

type IdentityResolver interface {
	Resolve(ctx context.Context, callerID string) (string, error)
}

type PrescriptionVerifier interface {
	Verify(ctx context.Context, medicineName string, patientID string) (Verification, error)
}

type TextExtractor interface {
	ExtractMedicines(ctx context.Context, rawText string) ([]ExtractedMedicine, error)
}

type CapabilityInvoker interface {
	Has(name string) bool
	Specs(audience Audience) []CapabilitySpec
	Invoke(ctx context.Context, principal Principal, req CapabilityRequest) CapabilityResult
}

type MemoryStore interface {
	Append(ctx context.Context, callerID string, role Role, content string) error
	AppendPair(ctx context.Context, callerID, message, reply string) error
	Recent(ctx context.Context, callerID string, maxPairs int) ([]Turn, error)
}
