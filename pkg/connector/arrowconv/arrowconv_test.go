package arrowconv

import (
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/require"
)

func TestFromRows(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec, err := FromRows(
		[]string{"i", "f", "s", "b", "t", "n", "mixed"},
		[][]any{
			{1, 1.5, "a", true, ts, nil, 1},
			{int32(2), float32(2), nil, false, ts.Add(time.Hour), nil, 2.5},
			{nil, 3, "c", nil, nil, nil, nil},
		},
	)
	require.NoError(t, err)
	defer rec.Release()

	require.Equal(t, int64(3), rec.NumRows())
	types := []arrow.DataType{
		arrow.PrimitiveTypes.Int64,
		arrow.PrimitiveTypes.Float64,
		arrow.BinaryTypes.String,
		arrow.FixedWidthTypes.Boolean,
		arrow.FixedWidthTypes.Timestamp_ms,
		arrow.BinaryTypes.String,
		arrow.PrimitiveTypes.Float64,
	}
	for i, typ := range types {
		require.True(t, arrow.TypeEqual(typ, rec.Schema().Field(i).Type), rec.ColumnName(i))
	}

	rows := ToRows(rec)
	require.Equal(t, map[string]any{
		"i": int64(1), "f": 1.5, "s": "a", "b": true, "t": ts, "n": nil, "mixed": float64(1),
	}, rows[0])
	require.Equal(t, float64(3), rows[2]["f"])
	require.Nil(t, rows[2]["i"])
}

func TestFromRows_MixedFallsBackToString(t *testing.T) {
	rec, err := FromRows([]string{"x"}, [][]any{{1}, {"two"}, {true}})
	require.NoError(t, err)
	defer rec.Release()

	require.Equal(t, []map[string]any{{"x": "1"}, {"x": "two"}, {"x": "true"}}, ToRows(rec))
}

func TestFromRows_Empty(t *testing.T) {
	rec, err := FromRows([]string{"a", "b"}, nil)
	require.NoError(t, err)
	defer rec.Release()

	require.Equal(t, int64(0), rec.NumRows())
	require.Equal(t, int64(2), rec.NumCols())
}

func TestFromRows_RowLength(t *testing.T) {
	_, err := FromRows([]string{"a"}, [][]any{{1, 2}})
	require.Error(t, err)
}

func TestRowsToMaps(t *testing.T) {
	require.Equal(t,
		[]map[string]any{{"a": int64(1), "b": "x"}},
		RowsToMaps([]string{"a", "b"}, [][]any{{1, "x"}}),
	)
}
