package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seiroga/trading/pkg/broker"
	"github.com/seiroga/trading/pkg/db"
	"github.com/seiroga/trading/pkg/errs"
	"github.com/seiroga/trading/pkg/record"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const g = 5 * time.Second

func bucket(ts time.Time, c float64) record.Record {
	return record.Record{
		broker.FieldTime:   record.Time(ts),
		broker.FieldVolume: record.Int(10),
		broker.FieldBid:    record.Nested(record.Record{broker.FieldClose: record.Double(c)}),
		broker.FieldAsk:    record.Nested(record.Record{broker.FieldClose: record.Double(c + 0.0002)}),
	}
}

func sample(ts time.Time) record.Record {
	return record.Record{
		broker.FieldTime:       record.Time(ts),
		broker.FieldInstrument: record.Text("EUR_USD"),
		broker.FieldBid:        record.Double(1.1),
		broker.FieldAsk:        record.Double(1.1002),
	}
}

func implementations(t *testing.T) map[string]Storage {
	t.Helper()

	d, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	s, err := NewSQLite(context.Background(), d)
	require.NoError(t, err)

	return map[string]Storage{
		"sqlite": s,
		"memory": NewMemory(),
	}
}

func TestHistoricalRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			// Saved out of order; reads come back ordered.
			data := []record.Record{bucket(base.Add(2*g), 1.3), bucket(base, 1.1), bucket(base.Add(g), 1.2)}
			require.NoError(t, s.SaveData(ctx, "EUR_USD", g, data))

			start, end := base, base.Add(3*g)
			got, err := s.GetData(ctx, "EUR_USD", g, &start, &end)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.True(t, bucket(base, 1.1).Equal(got[0]))
			assert.Equal(t, base, start)
			assert.Equal(t, base.Add(3*g), end)

			t.Run("range is rewritten to coverage", func(t *testing.T) {
				start, end := base.Add(-time.Hour), base.Add(time.Hour)
				got, err := s.GetData(ctx, "EUR_USD", g, &start, &end)
				require.NoError(t, err)
				assert.Len(t, got, 3)
				assert.Equal(t, base, start)
				assert.Equal(t, base.Add(3*g), end)
			})

			t.Run("single record collapses end", func(t *testing.T) {
				start, end := base.Add(g), base.Add(2*g)
				got, err := s.GetData(ctx, "EUR_USD", g, &start, &end)
				require.NoError(t, err)
				assert.Len(t, got, 1)
				assert.Equal(t, start, end)
			})

			t.Run("empty leaves range untouched", func(t *testing.T) {
				start, end := base.Add(time.Hour), base.Add(2*time.Hour)
				got, err := s.GetData(ctx, "EUR_USD", g, &start, &end)
				require.NoError(t, err)
				assert.Empty(t, got)
				assert.Equal(t, base.Add(time.Hour), start)
			})

			t.Run("granularities are separate", func(t *testing.T) {
				start, end := base, base.Add(3*g)
				got, err := s.GetData(ctx, "EUR_USD", time.Minute, &start, &end)
				require.NoError(t, err)
				assert.Empty(t, got)
			})

			t.Run("resave replaces bucket", func(t *testing.T) {
				require.NoError(t, s.SaveData(ctx, "EUR_USD", g, []record.Record{bucket(base, 2.0)}))
				start, end := base, base.Add(g)
				got, err := s.GetData(ctx, "EUR_USD", g, &start, &end)
				require.NoError(t, err)
				require.Len(t, got, 1)
				assert.True(t, bucket(base, 2.0).Equal(got[0]))
			})
		})
	}
}

func TestInstantRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			data := []record.Record{sample(base), sample(base.Add(time.Second)), sample(base.Add(2 * time.Second))}
			require.NoError(t, s.SaveInstantData(ctx, "EUR_USD", data))

			start, end := base, base.Add(time.Minute)
			got, err := s.GetInstantData(ctx, "EUR_USD", &start, &end)
			require.NoError(t, err)
			assert.Len(t, got, 3)
			assert.Equal(t, base, start)
			assert.Equal(t, base.Add(2*time.Second), end)

			start, end = base, base.Add(time.Minute)
			got, err = s.GetInstantData(ctx, "GBP_USD", &start, &end)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestInvalidInput(t *testing.T) {
	ctx := context.Background()
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			start := base
			_, err := s.GetData(ctx, "EUR_USD", g, &start, nil)
			assert.ErrorIs(t, err, ErrInvalidArgument)

			_, err = s.GetInstantData(ctx, "EUR_USD", nil, &start)
			assert.ErrorIs(t, err, ErrInvalidArgument)

			err = s.SaveData(ctx, "EUR_USD", g, []record.Record{{broker.FieldVolume: record.Int(1)}})
			assert.True(t, errs.IsValidation(err))
		})
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/instruments_data.db"

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.SaveData(ctx, "EUR_USD", g, []record.Record{bucket(base, 1.1), bucket(base.Add(g), 1.2)}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	start, end := base, base.Add(2*g)
	got, err := s.GetData(ctx, "EUR_USD", g, &start, &end)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
