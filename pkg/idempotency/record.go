package idempotency

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCorruptRecord is returned when a stored value cannot be decoded.
var ErrCorruptRecord = errors.New("idempotency: corrupt record")

// Record is the persisted state of one key: Pending or Done.
type Record interface {
	Hash() string
	isRecord()
}

// Pending marks a key whose single permitted execution is in flight.
type Pending struct {
	RequestHash string
	CreatedAt   time.Time
}

// Done holds the outcome of the single permitted execution.
type Done struct {
	RequestHash string
	Status      int
	ContentType string
	Body        []byte
}

func (p Pending) Hash() string { return p.RequestHash }
func (d Done) Hash() string    { return d.RequestHash }

func (Pending) isRecord() {}
func (Done) isRecord()    {}

type wireRecord struct {
	RequestHash string  `json:"requestHash"`
	CreatedAt   *int64  `json:"createdAt,omitempty"`
	Status      *int    `json:"status,omitempty"`
	ContentType *string `json:"contentType"`
	BodyBase64  *string `json:"bodyBase64,omitempty"`
}

type wirePending struct {
	RequestHash string `json:"requestHash"`
	CreatedAt   int64  `json:"createdAt"`
}

type wireDone struct {
	RequestHash string  `json:"requestHash"`
	Status      int     `json:"status"`
	ContentType *string `json:"contentType"`
	BodyBase64  string  `json:"bodyBase64"`
}

// EncodeRecord serializes a record to the store's string value.
func EncodeRecord(rec Record) (string, error) {
	var (
		b   []byte
		err error
	)
	switch r := rec.(type) {
	case Pending:
		b, err = json.Marshal(wirePending{RequestHash: r.RequestHash, CreatedAt: r.CreatedAt.UnixMilli()})
	case Done:
		var ct *string
		if r.ContentType != "" {
			v := r.ContentType
			ct = &v
		}
		b, err = json.Marshal(wireDone{
			RequestHash: r.RequestHash,
			Status:      r.Status,
			ContentType: ct,
			BodyBase64:  base64.StdEncoding.EncodeToString(r.Body),
		})
	default:
		return "", fmt.Errorf("idempotency: unsupported record type %T", rec)
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeRecord parses a stored value. A value carrying a status is Done,
// anything else is Pending.
func DecodeRecord(raw string) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if strings.TrimSpace(w.RequestHash) == "" {
		return nil, fmt.Errorf("%w: missing requestHash", ErrCorruptRecord)
	}
	if w.Status == nil {
		var created time.Time
		if w.CreatedAt != nil {
			created = time.UnixMilli(*w.CreatedAt).UTC()
		}
		return Pending{RequestHash: w.RequestHash, CreatedAt: created}, nil
	}
	if *w.Status < 100 || *w.Status > 999 {
		return nil, fmt.Errorf("%w: invalid status %d", ErrCorruptRecord, *w.Status)
	}
	var body []byte
	if w.BodyBase64 != nil {
		decoded, err := base64.StdEncoding.DecodeString(*w.BodyBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: body: %v", ErrCorruptRecord, err)
		}
		body = decoded
	}
	done := Done{RequestHash: w.RequestHash, Status: *w.Status, Body: body}
	if w.ContentType != nil {
		done.ContentType = *w.ContentType
	}
	return done, nil
}
