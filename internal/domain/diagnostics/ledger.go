package diagnostics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SampleInput is the collect_sample payload. An empty Barcode is derived
// from the order.
type SampleInput struct {
	Barcode   string          `json:"barcode" validate:"omitempty,max=64"`
	Condition SampleCondition `json:"condition" validate:"required,oneof=GOOD ACCEPTABLE POOR REJECTED"`
	Location  string          `json:"location" validate:"max=128"`
}

// CustodyInput records a hand-off of an already collected sample.
type CustodyInput struct {
	Note     string `json:"note" validate:"required,max=512"`
	Location string `json:"location" validate:"max=128"`
}

const custodyCollected = "collected"

// sampleLedger owns sample records: collection, barcode binding and the
// custody chain.
type sampleLedger struct {
	orders OrderRepository
}

// prepare validates a collection request against o and returns the sample
// record to bind. It does not mutate o.
func (l *sampleLedger) prepare(ctx context.Context, o *DiagnosticOrder, in *SampleInput, actor Actor, now time.Time) (*SampleRecord, error) {
	if in == nil {
		return nil, invalidPayload("sample payload is required")
	}
	switch in.Condition {
	case ConditionGood, ConditionAcceptable, ConditionPoor:
	case ConditionRejected:
		return nil, invalidPayload("rejected specimen must be recollected")
	default:
		return nil, invalidPayload("unknown sample condition %q", in.Condition)
	}

	barcode := strings.TrimSpace(in.Barcode)
	if barcode == "" {
		barcode = DeriveBarcode(o, now)
	}
	holder, err := l.orders.FindActiveByBarcode(ctx, barcode)
	switch {
	case err == nil && holder.ID != o.ID:
		return nil, fmt.Errorf("barcode %s held by order %s: %w", barcode, holder.ID, ErrBarcodeConflict)
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("lookup barcode: %w", err)
	}

	return &SampleRecord{
		Barcode:     barcode,
		Condition:   in.Condition,
		Location:    in.Location,
		CollectedBy: actor.ID,
		CollectedAt: now,
		CustodyLog: []CustodyEntry{{
			Actor:     actor.ID,
			Timestamp: now,
			Note:      custodyCollected,
			Location:  in.Location,
		}},
	}, nil
}

// DeriveBarcode builds the deterministic barcode used when a collector does
// not scan one: kind prefix, order id prefix, collection time and a short
// checksum over both.
func DeriveBarcode(o *DiagnosticOrder, collectedAt time.Time) string {
	prefix := "LB"
	if o.Kind == KindImaging {
		prefix = "IM"
	}
	ts := collectedAt.UTC().Format("20060102T150405")
	sum := sha256.Sum256([]byte(o.ID.String() + "|" + ts))
	id := strings.ToUpper(strings.ReplaceAll(o.ID.String(), "-", ""))[:8]
	return fmt.Sprintf("%s-%s-%s-%s", prefix, id, ts, strings.ToUpper(hex.EncodeToString(sum[:2])))
}

func addCustody(s *SampleRecord, in *CustodyInput, actor Actor, now time.Time) error {
	if in == nil || strings.TrimSpace(in.Note) == "" {
		return invalidPayload("custody note is required")
	}
	s.CustodyLog = append(s.CustodyLog, CustodyEntry{
		Actor:     actor.ID,
		Timestamp: now,
		Note:      strings.TrimSpace(in.Note),
		Location:  in.Location,
	})
	if in.Location != "" {
		s.Location = in.Location
	}
	return nil
}

// sampleMatches reports whether in would have produced the recorded sample.
func sampleMatches(s *SampleRecord, in *SampleInput, actor Actor) bool {
	if s == nil || in == nil || s.CollectedBy != actor.ID || s.Condition != in.Condition {
		return false
	}
	if b := strings.TrimSpace(in.Barcode); b != "" && b != s.Barcode {
		return false
	}
	if len(s.CustodyLog) > 0 && s.CustodyLog[0].Location != in.Location {
		return false
	}
	return true
}
