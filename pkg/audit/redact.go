package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// sensitiveDetailFields hold caller-supplied free text.
var sensitiveDetailFields = map[string]struct{}{
	"note":    {},
	"address": {},
	"email":   {},
	"phone":   {},
}

func redactRecord(rec Record, salt []byte) Record {
	rec.Actor = hashString(rec.Actor, salt)
	rec.IdempotencyKey = hashString(rec.IdempotencyKey, salt)
	rec.Detail = redactDetail(rec.Detail, salt)
	return rec
}

func redactDetail(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		b, _ := json.Marshal(map[string]string{
			"detail_hash":     hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		})
		return b
	}
	for k := range sensitiveDetailFields {
		v, ok := fields[k]
		if !ok {
			continue
		}
		hashed, _ := json.Marshal(hashBytes(v, salt))
		delete(fields, k)
		fields[k+"_hash"] = hashed
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return b
}

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
