package prescription

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	storex "github.com/tanpawarit/chative-pharmacy-agent/agent/store"
)

const foundInMaxLen = 120

type recordLister interface {
	ListPrescriptionRecords(ctx context.Context, patientID string) ([]storex.PrescriptionRecord, error)
}

// Verifier checks a patient's stored prescription records for a medicine.
// Records are scanned newest first and the first one mentioning the medicine wins.
type Verifier struct {
	records recordLister
}

func NewVerifier(records recordLister) (*Verifier, error) {
	if records == nil {
		return nil, errors.New("record store is required")
	}
	return &Verifier{records: records}, nil
}

func (v *Verifier) Verify(ctx context.Context, medicineName string, patientID string) (contractx.Verification, error) {
	name := strings.ToLower(strings.TrimSpace(medicineName))
	if name == "" {
		return contractx.Verification{}, fmt.Errorf("%w: medicine name is empty", contractx.ErrValidation)
	}

	records, err := v.records.ListPrescriptionRecords(ctx, patientID)
	if err != nil {
		return contractx.Verification{}, fmt.Errorf("%w: list prescriptions: %v", contractx.ErrTransient, err)
	}

	for _, rec := range records {
		text := rec.ExtractedText
		lower := strings.ToLower(text)
		idx := strings.Index(lower, name)
		if idx < 0 {
			continue
		}

		out := contractx.Verification{
			Verified: true,
			Quantity: parseQuantity(lower, name),
			FoundIn:  clip(text, foundInMaxLen),
		}
		line := lineAt(lower, idx)
		out.DosageText = parseDosage(line[len(name):])
		out.FrequencyPerDay = parseFrequency(line)
		return out, nil
	}
	return contractx.Verification{Verified: false}, nil
}

// parseQuantity takes the first number within 30 non-digit characters after
// the medicine name, defaulting to 1.
func parseQuantity(lowerText, name string) int {
	re := regexp.MustCompile(regexp.QuoteMeta(name) + `\D{0,30}?(\d+)`)
	m := re.FindStringSubmatch(lowerText)
	if m == nil {
		return 1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

var (
	dosageRe     = regexp.MustCompile(`(\d+(?:\.\d+)?\s?(?:mg|mcg|g|ml|iu|units?|tablets?|tabs?|capsules?|caps?))\b`)
	timesRe      = regexp.MustCompile(`(\d+)\s*(?:x|times)\s*(?:a|per)?\s*(?:day|daily)`)
	everyHoursRe = regexp.MustCompile(`every\s+(\d+)\s*(?:h|hrs?|hours?)\b`)
)

var frequencyWords = []struct {
	pattern string
	perDay  int
}{
	{"once a day", 1},
	{"once daily", 1},
	{"twice a day", 2},
	{"twice daily", 2},
	{"thrice", 3},
	{"three times", 3},
	{"four times", 4},
	{"bid", 2},
	{"tid", 3},
	{"qid", 4},
	{"od", 1},
	{"daily", 1},
}

func parseDosage(s string) string {
	if m := dosageRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

func parseFrequency(s string) *int {
	if m := timesRe.FindStringSubmatch(s); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return &n
		}
	}
	if m := everyHoursRe.FindStringSubmatch(s); m != nil {
		if h, err := strconv.Atoi(m[1]); err == nil && h > 0 && h <= 24 {
			n := 24 / h
			return &n
		}
	}
	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	joined := " " + strings.Join(words, " ") + " "
	for _, w := range frequencyWords {
		if strings.Contains(joined, " "+w.pattern+" ") {
			n := w.perDay
			return &n
		}
	}
	return nil
}

// lineAt returns s from idx up to the end of that line.
func lineAt(s string, idx int) string {
	end := strings.IndexByte(s[idx:], '\n')
	if end < 0 {
		return s[idx:]
	}
	return s[idx : idx+end]
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
