// Package storage is the persistent cache of market data.
package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/seiroga/trading/internal/market"
	"github.com/seiroga/trading/pkg/errs"
	"github.com/seiroga/trading/pkg/record"
)

// ErrInvalidArgument is returned for nil range pointers.
var ErrInvalidArgument = errors.New("invalid argument")

// Storage persists historical buckets and instant samples per instrument.
//
// GetData and GetInstantData read [*start, *end). When anything is found,
// start and end are rewritten to the range actually covered (see
// market.Coverage). An empty result leaves them untouched.
type Storage interface {
	GetData(ctx context.Context, instrument string, granularity time.Duration, start, end *time.Time) ([]record.Record, error)
	GetInstantData(ctx context.Context, instrument string, start, end *time.Time) ([]record.Record, error)
	SaveData(ctx context.Context, instrument string, granularity time.Duration, data []record.Record) error
	SaveInstantData(ctx context.Context, instrument string, data []record.Record) error
}

func checkRange(start, end *time.Time) error {
	if start == nil || end == nil {
		return errs.Wrap(ErrInvalidArgument, "start and end are required")
	}
	return nil
}

// stamped pairs a record with its decoded timestamp.
type stamped struct {
	ts  time.Time
	rec record.Record
}

func stampAll(data []record.Record) ([]stamped, error) {
	out := make([]stamped, 0, len(data))
	for _, r := range data {
		ts, err := market.Timestamp(r)
		if err != nil {
			return nil, err
		}
		out = append(out, stamped{ts: ts.UTC(), rec: r})
	}
	return out, nil
}

// adjust rewrites start and end to the coverage of a time-ordered result.
func adjust(data []record.Record, granularity time.Duration, start, end *time.Time) error {
	if len(data) == 0 {
		return nil
	}
	s, e, err := market.Coverage(data, granularity)
	if err != nil {
		return err
	}
	*start, *end = s, e
	return nil
}

func sortStamped(items []stamped) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].ts.Before(items[j].ts) })
}
