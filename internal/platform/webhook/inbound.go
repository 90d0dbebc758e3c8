package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSignatureHeader names the header carrying the inbound HMAC.
const DefaultSignatureHeader = "x-webhook-signature"

// Algorithm selects the HMAC hash for webhook signatures.
type Algorithm string

const (
	AlgoSHA256 Algorithm = "sha256"
	AlgoSHA512 Algorithm = "sha512"
)

// Sign computes the hex HMAC of payload under secret.
func Sign(payload []byte, secret string, algo Algorithm) string {
	var mac []byte
	switch algo {
	case AlgoSHA512:
		h := hmac.New(sha512.New, []byte(secret))
		h.Write(payload)
		mac = h.Sum(nil)
	default:
		h := hmac.New(sha256.New, []byte(secret))
		h.Write(payload)
		mac = h.Sum(nil)
	}
	return hex.EncodeToString(mac)
}

// Verify checks signature against payload under secret, accepting either
// SHA-256 or SHA-512. Comparison is constant-time.
func Verify(payload []byte, secret, signature string) bool {
	for _, algo := range []Algorithm{AlgoSHA256, AlgoSHA512} {
		expected := Sign(payload, secret, algo)
		if hmac.Equal([]byte(expected), []byte(signature)) {
			return true
		}
	}
	return false
}

// InboundEvent is the body a vendor push is expected to parse to.
type InboundEvent struct {
	EventType    string          `json:"eventType"`
	EventID      string          `json:"eventId"`
	Timestamp    time.Time       `json:"timestamp"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId"`
	Action       string          `json:"action"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// knownEventTypes is the closed set of vendor push events the dispatcher
// turns into WEBHOOK sync jobs; anything else is recorded IGNORED.
var knownEventTypes = map[string]bool{
	"resource.created": true,
	"resource.updated": true,
	"resource.deleted": true,
}

// KnownEventType reports whether the dispatcher handles eventType.
func KnownEventType(eventType string) bool { return knownEventTypes[eventType] }

// ReceiptStatus records what the dispatcher did with one inbound push.
type ReceiptStatus string

const (
	ReceiptProcessed ReceiptStatus = "PROCESSED"
	ReceiptIgnored   ReceiptStatus = "IGNORED"
	ReceiptFailed    ReceiptStatus = "FAILED"
)

// Receipt is the durable record of one inbound webhook delivery attempt
// against us, whatever its outcome.
type Receipt struct {
	ID        uuid.UUID     `json:"id"`
	Vendor    string        `json:"vendor"`
	EventType string        `json:"eventType"`
	EventID   string        `json:"eventId"`
	Status    ReceiptStatus `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	JobID     *uuid.UUID    `json:"jobId,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// ReceiptStore persists Receipts.
type ReceiptStore interface {
	Record(r *Receipt) error
	ListByVendor(vendorTag string, limit int) ([]*Receipt, error)
}

// InMemoryReceiptStore is the single-process ReceiptStore.
type InMemoryReceiptStore struct {
	mu       sync.Mutex
	receipts []*Receipt
}

func NewInMemoryReceiptStore() *InMemoryReceiptStore {
	return &InMemoryReceiptStore{}
}

func (s *InMemoryReceiptStore) Record(r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	cp := *r
	s.receipts = append(s.receipts, &cp)
	return nil
}

func (s *InMemoryReceiptStore) ListByVendor(vendorTag string, limit int) ([]*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Receipt
	for i := len(s.receipts) - 1; i >= 0; i-- {
		if s.receipts[i].Vendor == vendorTag {
			cp := *s.receipts[i]
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
