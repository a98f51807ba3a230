package store

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/roach88/procflow/internal/ir"
)

// FormatInt renders an integer field value.
func FormatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

// FormatBool renders a boolean field value.
func FormatBool(b bool) string {
	return strconv.FormatBool(b)
}

// FormatIDs renders ids as a comma separated list. Empty renders as "".
func FormatIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// FormatObject renders an object as canonical JSON so that equal objects
// always store equal text.
func FormatObject(obj ir.Object) (string, error) {
	if obj == nil {
		obj = ir.Object{}
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	return string(data), nil
}

// FieldReader decodes typed values out of Fields, collecting every problem
// instead of stopping at the first.
type FieldReader struct {
	fields Fields
	err    error
}

// NewFieldReader wraps fields for decoding.
func NewFieldReader(fields Fields) *FieldReader {
	return &FieldReader{fields: fields}
}

// Err returns all decode errors combined, or nil.
func (r *FieldReader) Err() error {
	return r.err
}

func (r *FieldReader) fail(field string, err error) {
	r.err = multierr.Append(r.err, fmt.Errorf("field %q: %w", field, err))
}

// String returns the raw value, or "" if absent.
func (r *FieldReader) String(field string) string {
	return r.fields[field]
}

// Require returns the raw value, recording an error if absent.
func (r *FieldReader) Require(field string) string {
	v, ok := r.fields[field]
	if !ok {
		r.fail(field, fmt.Errorf("missing"))
	}
	return v
}

// Int parses an integer field. Absent means zero.
func (r *FieldReader) Int(field string) int64 {
	v, ok := r.fields[field]
	if !ok || v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.fail(field, err)
	}
	return n
}

// Bool parses a boolean field. Absent means false.
func (r *FieldReader) Bool(field string) bool {
	v, ok := r.fields[field]
	if !ok || v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(field, err)
	}
	return b
}

// IDs parses a comma separated id list. Absent or empty means nil.
func (r *FieldReader) IDs(field string) []int64 {
	v := r.fields[field]
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			r.fail(field, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Object parses a JSON object field. Absent means nil.
func (r *FieldReader) Object(field string) ir.Object {
	v, ok := r.fields[field]
	if !ok {
		return nil
	}
	obj, err := ir.ParseObject([]byte(v))
	if err != nil {
		r.fail(field, err)
		return nil
	}
	return obj
}
