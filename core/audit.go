package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalJSON serialises obj the same way every cortex instance must,
// so two instances hashing the same logical value always agree: UTF-8,
// ASCII-escaped, object keys sorted, no insignificant whitespace.
//
// obj is first round-tripped through encoding/json into generic
// map/slice/scalar values (sorting struct fields alphabetically the way
// a dict would be), then re-encoded with every non-ASCII rune escaped.
func CanonicalJSON(obj interface{}) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writeCanonical(&buf, generic)
	return escapeNonASCII(buf.Bytes()), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			writeCanonical(buf, val[k])
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, item)
		}
		buf.WriteByte(']')
	default:
		b, _ := json.Marshal(val)
		buf.Write(b)
	}
}

// escapeNonASCII rewrites any multi-byte UTF-8 sequence in b as a
// \uXXXX escape (with a surrogate pair above the BMP), matching
// json.dumps(..., ensure_ascii=True).
func escapeNonASCII(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, r := range string(b) {
		if r < 0x80 {
			out = append(out, byte(r))
			continue
		}
		if r > 0xFFFF {
			r -= 0x10000
			hi := 0xD800 + (r >> 10)
			lo := 0xDC00 + (r & 0x3FF)
			out = append(out, []byte(hexEscape(rune(hi)))...)
			out = append(out, []byte(hexEscape(rune(lo)))...)
			continue
		}
		out = append(out, []byte(hexEscape(r))...)
	}
	return out
}

func hexEscape(r rune) string {
	const hexdigits = "0123456789abcdef"
	buf := [6]byte{'\\', 'u', 0, 0, 0, 0}
	buf[2] = hexdigits[(r>>12)&0xF]
	buf[3] = hexdigits[(r>>8)&0xF]
	buf[4] = hexdigits[(r>>4)&0xF]
	buf[5] = hexdigits[r&0xF]
	return string(buf[:])
}

// SHA256Hex hashes payload and lowercase-hex encodes the digest.
func SHA256Hex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// HashEnvelope canonicalises and hashes a recommendation envelope (or any
// JSON-able value) for the reasoning_hash field and observation/constraint
// hashes.
func HashEnvelope(envelope interface{}) (string, error) {
	canon, err := CanonicalJSON(envelope)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canon), nil
}

// ToolCallHash mirrors hash_tool_call: a JSON-able record with the tool
// name and content-addressed hashes of its arguments and result, suitable
// for turning directly into a ToolTrace.
type ToolCallHash struct {
	Name       string
	ArgsHash   string
	ResultHash string
}

func HashToolCall(name string, args interface{}, result interface{}) (ToolCallHash, error) {
	argsCanon, err := CanonicalJSON(args)
	if err != nil {
		return ToolCallHash{}, err
	}
	resultCanon, err := CanonicalJSON(result)
	if err != nil {
		return ToolCallHash{}, err
	}
	return ToolCallHash{
		Name:       name,
		ArgsHash:   SHA256Hex(argsCanon),
		ResultHash: SHA256Hex(resultCanon),
	}, nil
}
