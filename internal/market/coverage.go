package market

import (
	"time"

	"github.com/seiroga/trading/pkg/broker"
	"github.com/seiroga/trading/pkg/errs"
	"github.com/seiroga/trading/pkg/record"
)

// Align floors t to a multiple of granularity since the Unix epoch.
func Align(t time.Time, granularity time.Duration) time.Time {
	if granularity <= 0 {
		return t
	}
	ns, g := t.UnixNano(), int64(granularity)
	m := ns % g
	if m < 0 {
		m += g
	}
	return time.Unix(0, ns-m).In(t.Location())
}

// NextBoundary is the first granularity boundary strictly after t.
func NextBoundary(t time.Time, granularity time.Duration) time.Time {
	return Align(t, granularity).Add(granularity)
}

// Timestamp returns the time field of r.
func Timestamp(r record.Record) (time.Time, error) {
	return r.Time(broker.FieldTime)
}

// Coverage reports the range spanned by data, ordered by time. Historical
// buckets are half-open, so a non-zero granularity extends the end by one
// bucket; instant samples pass zero. With at most one record the range
// collapses to its start.
func Coverage(data []record.Record, granularity time.Duration) (start, end time.Time, err error) {
	if len(data) == 0 {
		return time.Time{}, time.Time{}, errs.Validation(broker.FieldTime, "no records")
	}

	if start, err = Timestamp(data[0]); err != nil {
		return time.Time{}, time.Time{}, err
	}
	if len(data) == 1 {
		return start, start, nil
	}

	last, err := Timestamp(data[len(data)-1])
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, last.Add(granularity), nil
}

// Covers reports whether data spans exactly [start, end].
func Covers(data []record.Record, granularity time.Duration, start, end time.Time) bool {
	s, e, err := Coverage(data, granularity)
	if err != nil {
		return false
	}
	return s.Equal(start) && e.Equal(end)
}
