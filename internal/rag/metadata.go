package rag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

// Kind enumerates the primitive value kinds a metadata attribute may hold.
type Kind uint8

const (
	// KindInvalid is the zero Kind; a zero Value carries it.
	KindInvalid Kind = iota
	// KindString is a UTF-8 string value.
	KindString
	// KindNumber is a float64 value.
	KindNumber
	// KindBool is a boolean value.
	KindBool
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Value is a metadata attribute value: a string, a number or a bool.
// The zero Value is invalid and never equal to anything.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
}

// StringValue returns a string Value.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// NumberValue returns a number Value.
func NumberValue(n float64) Value { return Value{kind: KindNumber, num: n} }

// BoolValue returns a bool Value.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// ValueOf converts a Go scalar into a Value. Integer and float types become
// numbers. Any other type is rejected.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case string:
		return StringValue(x), nil
	case bool:
		return BoolValue(x), nil
	case float64:
		return NumberValue(x), nil
	case float32:
		return NumberValue(float64(x)), nil
	case int:
		return NumberValue(float64(x)), nil
	case int32:
		return NumberValue(float64(x)), nil
	case int64:
		return NumberValue(float64(x)), nil
	case uint32:
		return NumberValue(float64(x)), nil
	case uint64:
		return NumberValue(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("rag: invalid number %q: %w", x, err)
		}
		return NumberValue(f), nil
	default:
		return Value{}, fmt.Errorf("rag: unsupported metadata value type %T", v)
	}
}

// Kind returns the value kind.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload and whether v is a string.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the number payload and whether v is a number.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Bool returns the bool payload and whether v is a bool.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Any returns the payload as a plain Go value (string, float64 or bool),
// or nil for an invalid Value.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// Equal reports whether v and o have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	default:
		return false
	}
}

// String renders the payload for display and logging.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// MarshalJSON encodes v as the matching JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindInvalid {
		return nil, fmt.Errorf("rag: cannot marshal invalid metadata value")
	}
	return json.Marshal(v.Any())
}

// UnmarshalJSON decodes a JSON string, number or bool. Objects, arrays and
// null are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("rag: decode metadata value: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("rag: metadata value must not be null")
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Metadata maps attribute names to typed values.
type Metadata map[string]Value

// MetadataFromMap converts loosely typed attributes (for example a decoded
// JSON object) into Metadata.
func MetadataFromMap(m map[string]any) (Metadata, error) {
	md := make(Metadata, len(m))
	for k, raw := range m {
		v, err := ValueOf(raw)
		if err != nil {
			return nil, fmt.Errorf("rag: metadata %q: %w", k, err)
		}
		md[k] = v
	}
	return md, nil
}

// Clone returns a shallow copy; Values are immutable so this is a full copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}

// Str returns the string attribute key, or "" when absent or not a string.
func (m Metadata) Str(key string) string {
	s, _ := m[key].Str()
	return s
}

// Map converts m into plain Go values.
func (m Metadata) Map() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Any()
	}
	return out
}

// Filter is a conjunction of attribute equalities. The empty filter matches
// every record.
type Filter map[string]Value

// PatientFilter scopes retrieval to a single patient.
func PatientFilter(patientID string) Filter {
	return Filter{KeyPatientID: StringValue(patientID)}
}

// Match reports whether every filter attribute is present in md with an
// equal value.
func (f Filter) Match(md Metadata) bool {
	for k, want := range f {
		got, ok := md[k]
		if !ok || !got.Equal(want) {
			return false
		}
	}
	return true
}

// Well-known metadata keys.
const (
	// KeyPatientID scopes a record to one patient.
	KeyPatientID = "patient_id"
	// KeyDocumentID groups all chunks of one uploaded document.
	KeyDocumentID = "document_id"
	// KeySource names the file or system the text came from.
	KeySource = "source"
	// KeyUploadDate is the RFC 3339 ingestion timestamp.
	KeyUploadDate = "upload_date"
	// KeyChunkIndex is the 0-based chunk number within a document.
	KeyChunkIndex = "chunk_index"
	// KeyChunkCount is the number of chunks the document was split into.
	KeyChunkCount = "chunk_count"
)
