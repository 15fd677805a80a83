package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireValue is the tagged JSON form of a Value: {"k":"double","v":1.25}.
type wireValue struct {
	Kind  string          `json:"k"`
	Value json.RawMessage `json:"v"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.kind {
	case KindInt:
		payload = v.i
	case KindText:
		payload = v.s
	case KindTime:
		payload = v.t.UTC().Format(time.RFC3339Nano)
	case KindBool:
		payload = v.b
	case KindDouble:
		payload = v.f
	case KindBytes:
		payload = v.raw
	case KindRecord:
		payload = v.rec
	default:
		return nil, fmt.Errorf("marshal %s value", v.kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.kind.String(), Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	kind := kindFromString(w.Kind)
	var err error
	switch kind {
	case KindInt:
		var n int64
		err = json.Unmarshal(w.Value, &n)
		*v = Int(n)
	case KindText:
		var s string
		err = json.Unmarshal(w.Value, &s)
		*v = Text(s)
	case KindTime:
		var s string
		if err = json.Unmarshal(w.Value, &s); err == nil {
			var t time.Time
			t, err = time.Parse(time.RFC3339Nano, s)
			*v = Time(t)
		}
	case KindBool:
		var b bool
		err = json.Unmarshal(w.Value, &b)
		*v = Bool(b)
	case KindDouble:
		var f float64
		err = json.Unmarshal(w.Value, &f)
		*v = Double(f)
	case KindBytes:
		var raw []byte
		err = json.Unmarshal(w.Value, &raw)
		*v = Bytes(raw)
	case KindRecord:
		var rec Record
		err = json.Unmarshal(w.Value, &rec)
		*v = Nested(rec)
	default:
		return fmt.Errorf("unmarshal value: unknown kind %q", w.Kind)
	}
	if err != nil {
		return fmt.Errorf("unmarshal %s value: %w", kind, err)
	}
	return nil
}

// Encode serialises r with kinds preserved.
func Encode(r Record) ([]byte, error) {
	return json.Marshal(r)
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return r, nil
}
