package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"
)

func fixed(d decimal.Decimal) string {
	return d.StringFixed(AmountScale)
}

func nullFixed(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return fixed(d.Decimal)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
}

// HashFields lists every immutable field of the entry. Decimals use a fixed
// scale and times are UTC with microsecond precision so the hash survives a
// database round trip.
func (e *LedgerEntry) HashFields() map[string]string {
	return map[string]string{
		"id":                e.ID,
		"user_id":           e.UserID,
		"sequence":          strconv.FormatInt(e.Sequence, 10),
		"kind":              string(e.Kind),
		"amount":            fixed(e.Amount),
		"co2_basis":         nullFixed(e.CO2Basis),
		"co2_rate_used":     nullFixed(e.CO2RateUsed),
		"activity_type":     e.ActivityType,
		"activity_ref":      e.ActivityRef,
		"reverses_entry_id": e.ReversesEntryID,
		"counterparty_id":   e.CounterpartyID,
		"note":              e.Note,
		"rate_id":           e.RateID,
		"rate_used":         fixed(e.RateUsed),
		"rate_effective_at": timestamp(e.RateEffectiveAt),
		"external_value":    fixed(e.ExternalValue),
		"prior_hash":        e.PriorHash,
		"created_at":        timestamp(e.CreatedAt),
	}
}

// ComputeHash returns the hex sha256 of the JCS canonical JSON of HashFields.
func (e *LedgerEntry) ComputeHash() (string, error) {
	raw, err := json.Marshal(e.HashFields())
	if err != nil {
		return "", fmt.Errorf("marshal hash fields: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize hash fields: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Intact reports whether the stored hash matches the entry's content.
func (e *LedgerEntry) Intact() bool {
	h, err := e.ComputeHash()
	return err == nil && h == e.Hash
}

// ComputeVerificationHash seals the mutable verification block to the entry
// hash. It is recomputed on every guarded status transition, so an update
// that bypasses the ledger shows up as a mismatch.
func (e *LedgerEntry) ComputeVerificationHash() (string, error) {
	meta, err := json.Marshal(e.Metadata.Data())
	if err != nil {
		return "", fmt.Errorf("marshal verification metadata: %w", err)
	}

	verifiedAt := ""
	if e.VerifiedAt != nil {
		verifiedAt = timestamp(*e.VerifiedAt)
	}

	raw, err := json.Marshal(map[string]any{
		"entry_hash":  e.Hash,
		"status":      string(e.Status),
		"method":      string(e.Method),
		"verified_at": verifiedAt,
		"metadata":    json.RawMessage(meta),
	})
	if err != nil {
		return "", fmt.Errorf("marshal verification fields: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize verification fields: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerificationIntact reports whether the verification block still matches its seal.
func (e *LedgerEntry) VerificationIntact() bool {
	h, err := e.ComputeVerificationHash()
	return err == nil && h == e.VerificationHash
}
