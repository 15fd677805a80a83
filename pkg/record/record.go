// Package record is the generic transport format exchanged between the
// connector, storage and strategy: a field map whose values are a closed set
// of kinds, records included.
package record

import (
	"errors"
	"fmt"
	"time"

	"github.com/seiroga/trading/pkg/errs"
)

// ErrTypeMismatch is returned by typed accessors asked for the wrong kind.
var ErrTypeMismatch = errors.New("value type mismatch")

// Kind enumerates the alternatives a Value can hold.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindText
	KindTime
	KindBool
	KindDouble
	KindBytes
	KindRecord
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	KindInt:     "int",
	KindText:    "text",
	KindTime:    "time",
	KindBool:    "bool",
	KindDouble:  "double",
	KindBytes:   "bytes",
	KindRecord:  "record",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

func kindFromString(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return Kind(k)
		}
	}
	return KindInvalid
}

// Value holds exactly one of the Kind alternatives. The zero Value is invalid.
type Value struct {
	kind Kind
	i    int64
	s    string
	t    time.Time
	b    bool
	f    float64
	raw  []byte
	rec  Record
}

func Int(v int64) Value { return Value{kind: KindInt, i: v} }
func Text(v string) Value { return Value{kind: KindText, s: v} }
func Time(v time.Time) Value { return Value{kind: KindTime, t: v} }
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }
func Double(v float64) Value { return Value{kind: KindDouble, f: v} }
func Bytes(v []byte) Value { return Value{kind: KindBytes, raw: v} }
func Nested(v Record) Value { return Value{kind: KindRecord, rec: v} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) mismatch(want Kind) error {
	return fmt.Errorf("%w: have %s, want %s", ErrTypeMismatch, v.kind, want)
}

func (v Value) AsInt() (int64, error) {
	if v.kind != KindInt {
		return 0, v.mismatch(KindInt)
	}
	return v.i, nil
}

func (v Value) AsText() (string, error) {
	if v.kind != KindText {
		return "", v.mismatch(KindText)
	}
	return v.s, nil
}

func (v Value) AsTime() (time.Time, error) {
	if v.kind != KindTime {
		return time.Time{}, v.mismatch(KindTime)
	}
	return v.t, nil
}

func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, v.mismatch(KindBool)
	}
	return v.b, nil
}

// AsDouble also accepts integer values and widens them. This is the only
// implicit conversion the package performs.
func (v Value) AsDouble() (float64, error) {
	switch v.kind {
	case KindDouble:
		return v.f, nil
	case KindInt:
		return float64(v.i), nil
	default:
		return 0, v.mismatch(KindDouble)
	}
}

func (v Value) AsBytes() ([]byte, error) {
	if v.kind != KindBytes {
		return nil, v.mismatch(KindBytes)
	}
	return v.raw, nil
}

func (v Value) AsRecord() (Record, error) {
	if v.kind != KindRecord {
		return nil, v.mismatch(KindRecord)
	}
	return v.rec, nil
}

// Equal compares kind and payload, recursing into nested records.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindText:
		return v.s == o.s
	case KindTime:
		return v.t.Equal(o.t)
	case KindBool:
		return v.b == o.b
	case KindDouble:
		return v.f == o.f
	case KindBytes:
		return string(v.raw) == string(o.raw)
	case KindRecord:
		return v.rec.Equal(o.rec)
	default:
		return true
	}
}

// Record maps field names to values. Field order carries no meaning.
type Record map[string]Value

// Has reports whether key is present.
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

func (r Record) field(key string) (Value, error) {
	v, ok := r[key]
	if !ok {
		return Value{}, errs.Validation(key, "missing field")
	}
	return v, nil
}

func (r Record) Int(key string) (int64, error) {
	v, err := r.field(key)
	if err != nil {
		return 0, err
	}
	n, err := v.AsInt()
	return n, errs.Wrap(err, key)
}

func (r Record) Text(key string) (string, error) {
	v, err := r.field(key)
	if err != nil {
		return "", err
	}
	s, err := v.AsText()
	return s, errs.Wrap(err, key)
}

func (r Record) Time(key string) (time.Time, error) {
	v, err := r.field(key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := v.AsTime()
	return t, errs.Wrap(err, key)
}

func (r Record) Bool(key string) (bool, error) {
	v, err := r.field(key)
	if err != nil {
		return false, err
	}
	b, err := v.AsBool()
	return b, errs.Wrap(err, key)
}

func (r Record) Double(key string) (float64, error) {
	v, err := r.field(key)
	if err != nil {
		return 0, err
	}
	f, err := v.AsDouble()
	return f, errs.Wrap(err, key)
}

func (r Record) Record(key string) (Record, error) {
	v, err := r.field(key)
	if err != nil {
		return nil, err
	}
	rec, err := v.AsRecord()
	return rec, errs.Wrap(err, key)
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		switch v.kind {
		case KindRecord:
			v.rec = v.rec.Clone()
		case KindBytes:
			v.raw = append([]byte(nil), v.raw...)
		}
		out[k] = v
	}
	return out
}

// Equal reports whether both records hold the same fields and values.
func (r Record) Equal(o Record) bool {
	if len(r) != len(o) {
		return false
	}
	for k, v := range r {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
