// Package crypto builds, signs, and verifies signed envelopes. Canonical
// serialization, signing, and hashing all live here so that every other
// package treats an Envelope as an opaque, already-validated fact.
package crypto

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/canswarm/kernel/pkg/kernel"
)

// Canonicalize produces a deterministic byte encoding of v: sorted object
// keys, no insignificant whitespace, UTF-8. This is required so that
// payload_hash and the detached signature are stable across re-encodings
// of logically identical data (spec.md §4.1).
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, kernel.Wrap(kernel.ErrCanonicalization, err, "marshal")
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, kernel.Wrap(kernel.ErrCanonicalization, err, "unmarshal for canonicalization")
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, kernel.Wrap(kernel.ErrCanonicalization, err, "encode")
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
