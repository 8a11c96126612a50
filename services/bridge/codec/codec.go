// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codec transforms protocol credential material between its
// in-memory form (maps and slices containing raw []byte secrets at
// arbitrary depth) and a JSON-safe persisted form.
//
// Encoding replaces every []byte with a tagged object:
//
//	{"kind": "bytes", "data": "<base64>"}
//
// Decoding detects the tag and reconstructs the []byte. Everything else
// passes through untouched, including keys this package has never seen:
// the protocol layer adds new credential fields over time and the codec
// must round-trip them without dropping anything.
//
// # Round-Trip Invariant
//
// For any value the protocol client can produce (JSON scalars, []byte,
// []any, map[string]any, arbitrarily nested):
//
//	Decode(Encode(x)) == x
//
// # Thread Safety
//
// The codec is pure: no shared state, safe for concurrent use.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Tag values for the persisted binary representation.
const (
	kindKey  = "kind"
	dataKey  = "data"
	kindByte = "bytes"
)

// Encode converts credential material into a JSON-safe blob.
//
// # Description
//
// Recursively walks creds, replacing every []byte with the tagged base64
// representation, then marshals the result. Non-binary scalars and unknown
// keys are preserved as-is.
//
// # Inputs
//
//   - creds: In-memory credential material. Must not be nil.
//
// # Outputs
//
//   - json.RawMessage: The persisted form, ready for the session store.
//   - error: Non-nil if creds contains a value JSON cannot represent.
func Encode(creds map[string]any) (json.RawMessage, error) {
	if creds == nil {
		return nil, fmt.Errorf("codec: nil credentials")
	}
	safe := encodeValue(creds)
	blob, err := json.Marshal(safe)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal credentials: %w", err)
	}
	return blob, nil
}

// Decode reverses Encode.
//
// # Description
//
// Unmarshals blob and recursively walks it, reconstructing every tagged
// binary value back into a []byte. A blob that is not a JSON object, or
// a tagged value whose payload is not valid base64, is an error; callers
// treat that as a corrupt session (proceed as a fresh pairing).
//
// # Inputs
//
//   - blob: A blob previously produced by Encode.
//
// # Outputs
//
//   - map[string]any: The in-memory credential material.
//   - error: Non-nil if the blob is corrupt.
func Decode(blob json.RawMessage) (map[string]any, error) {
	var raw any
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("codec: unmarshal credentials: %w", err)
	}
	decoded, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	creds, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("codec: credential blob is %T, want object", decoded)
	}
	return creds, nil
}

// encodeValue walks v depth-first, tagging binary values.
func encodeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return map[string]any{
			kindKey: kindByte,
			dataKey: base64.StdEncoding.EncodeToString(val),
		}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = encodeValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = encodeValue(elem)
		}
		return out
	default:
		return v
	}
}

// decodeValue walks v depth-first, reconstructing tagged binary values.
func decodeValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if data, ok := taggedBytes(val); ok {
			raw, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				return nil, fmt.Errorf("codec: corrupt binary value: %w", err)
			}
			return raw, nil
		}
		out := make(map[string]any, len(val))
		for k, elem := range val {
			decoded, err := decodeValue(elem)
			if err != nil {
				return nil, err
			}
			out[k] = decoded
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			decoded, err := decodeValue(elem)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	default:
		return v, nil
	}
}

// taggedBytes reports whether m is exactly the binary tag shape:
// two keys, kind == "bytes", and a string payload. Objects that merely
// contain a "kind" key among others are ordinary data and pass through.
func taggedBytes(m map[string]any) (string, bool) {
	if len(m) != 2 {
		return "", false
	}
	if kind, ok := m[kindKey].(string); !ok || kind != kindByte {
		return "", false
	}
	data, ok := m[dataKey].(string)
	return data, ok
}
