// Package idempotency records payment creation attempts per idempotency key
// in an embedded BoltDB file, so a retried request returns the first result
// instead of charging twice.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	bolt "github.com/boltdb/bolt"

	"ticketing-checkout/internal/models"
)

const bucketName = "payment_idempotency"

// DefaultInFlightTTL is how long a reservation without a result blocks the key.
// After that the attempt is assumed to have died and the key can be reserved again.
const DefaultInFlightTTL = 2 * time.Minute

type entryState string

const (
	stateInFlight  entryState = "in_flight"
	stateCompleted entryState = "completed"
)

type entry struct {
	Fingerprint string                `json:"fingerprint"`
	State       entryState            `json:"state"`
	Result      *models.PaymentResult `json:"result,omitempty"`
	ReservedAt  time.Time             `json:"reserved_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// BoltLedger is a BoltDB-backed idempotency ledger
type BoltLedger struct {
	db          *bolt.DB
	inFlightTTL time.Duration
	now         func() time.Time
}

// NewBoltLedger opens (or creates) the ledger file at path
func NewBoltLedger(path string, inFlightTTL time.Duration) (*BoltLedger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open idempotency ledger: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger bucket: %w", err)
	}

	if inFlightTTL <= 0 {
		inFlightTTL = DefaultInFlightTTL
	}

	return &BoltLedger{db: db, inFlightTTL: inFlightTTL, now: time.Now}, nil
}

// Close releases the database file lock
func (l *BoltLedger) Close() error {
	return l.db.Close()
}

// Reserve claims key for a request with the given fingerprint.
//
// Returns (result, nil) when the key already completed with the same fingerprint.
// Returns (nil, nil) when the caller now owns the key and must Complete or Release it.
// Returns ErrIdempotencyConflict for a different fingerprint and
// ErrIdempotencyInFlight while another attempt holds the key.
func (l *BoltLedger) Reserve(key, fingerprint string) (*models.PaymentResult, error) {
	var existing *models.PaymentResult

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		now := l.now().UTC()

		if raw := b.Get([]byte(key)); raw != nil {
			var e entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("failed to decode ledger entry: %w", err)
			}

			if e.Fingerprint != fingerprint {
				return models.ErrIdempotencyConflict
			}
			if e.State == stateCompleted {
				existing = e.Result
				return nil
			}
			if now.Sub(e.ReservedAt) < l.inFlightTTL {
				return models.ErrIdempotencyInFlight
			}
		}

		data, err := json.Marshal(entry{Fingerprint: fingerprint, State: stateInFlight, ReservedAt: now})
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return nil, err
	}

	return existing, nil
}

// Complete stores the result for a reserved key
func (l *BoltLedger) Complete(key string, result *models.PaymentResult) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		raw := b.Get([]byte(key))
		if raw == nil {
			return fmt.Errorf("idempotency key %q was not reserved", key)
		}

		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("failed to decode ledger entry: %w", err)
		}

		now := l.now().UTC()
		e.State = stateCompleted
		e.Result = result
		e.CompletedAt = &now

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Release drops an in-flight reservation so the request can be retried.
// Completed entries are kept; releasing an unknown key is a no-op.
func (l *BoltLedger) Release(key string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}

		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("failed to decode ledger entry: %w", err)
		}
		if e.State == stateCompleted {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Prune deletes completed entries older than maxAge and returns how many went
func (l *BoltLedger) Prune(maxAge time.Duration) (int, error) {
	cutoff := l.now().UTC().Add(-maxAge)
	removed := 0

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.State == stateCompleted && e.CompletedAt != nil && e.CompletedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})

	return removed, err
}

// Fingerprint hashes the parts of a payment request that must not change
// between retries under one idempotency key. Order ids are left out: a guest
// retry after a rolled back transaction gets a new order for the same charge.
func Fingerprint(req *models.PaymentRequest) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	write(strconv.FormatInt(req.EventID, 10))
	write(strings.ToLower(strings.TrimSpace(req.Customer.Email)))
	write(strconv.FormatInt(req.Amount, 10))
	write(models.NormalizeCurrency(req.Currency))
	write(string(req.Method))

	lines := append([]models.TicketLine(nil), req.Lines...)
	sort.Slice(lines, func(i, j int) bool { return lines[i].TicketTypeID < lines[j].TicketTypeID })
	for _, line := range lines {
		write(strconv.FormatInt(line.TicketTypeID, 10))
		write(strconv.Itoa(line.Quantity))
		write(strconv.FormatFloat(line.PriceMajor, 'f', -1, 64))
		write(models.NormalizeCurrency(line.Currency))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// IsLedgerError reports whether err came from an idempotency check rather
// than from storage
func IsLedgerError(err error) bool {
	return errors.Is(err, models.ErrIdempotencyConflict) || errors.Is(err, models.ErrIdempotencyInFlight)
}
