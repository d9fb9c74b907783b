package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Volatile payload fields that change between otherwise identical
// requests. They are stripped before fingerprinting so that repeated
// requests hash to the same key.
var volatileFields = map[string]bool{
	"timestamp":  true,
	"requestId":  true,
	"request_id": true,
	"sessionId":  true,
	"session_id": true,
	"traceId":    true,
	"trace_id":   true,
	"nonce":      true,
}

// Fingerprint computes a deterministic cache key for a request. The
// payload is normalized first: volatile fields removed, map keys
// serialized in sorted order. Two payloads that differ only in field
// order or volatile fields produce the same fingerprint.
func Fingerprint(operation string, payload map[string]interface{}, ownerID, variant string) string {
	normalized := canonicalJSON(normalizePayload(payload))

	h := sha256.New()
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(ownerID))
	h.Write([]byte{0})
	h.Write([]byte(variant))

	return hex.EncodeToString(h.Sum(nil))
}

// normalizePayload returns a copy of the payload with volatile fields
// removed, recursing into nested maps.
func normalizePayload(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}

	out := make(map[string]interface{}, len(payload))
	for key, value := range payload {
		if volatileFields[key] {
			continue
		}
		if nested, ok := value.(map[string]interface{}); ok {
			out[key] = normalizePayload(nested)
			continue
		}
		out[key] = value
	}
	return out
}

// canonicalJSON serializes a value with all map keys in sorted order.
// encoding/json already sorts map[string]interface{} keys, but values
// decoded from other sources may carry nested types it will not sort,
// so the tree is rebuilt explicitly.
func canonicalJSON(value interface{}) string {
	var sb strings.Builder
	writeCanonical(&sb, value)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, value interface{}) {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			keyData, _ := json.Marshal(k)
			sb.Write(keyData)
			sb.WriteByte(':')
			writeCanonical(sb, v[k])
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	default:
		data, err := json.Marshal(v)
		if err != nil {
			sb.WriteString(fmt.Sprintf("%q", fmt.Sprintf("%v", v)))
			return
		}
		sb.Write(data)
	}
}
