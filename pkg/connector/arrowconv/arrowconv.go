// Package arrowconv converts row-oriented query results to and from Arrow
// records.
package arrowconv

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
)

type kind int

const (
	kindNull kind = iota
	kindBool
	kindInt
	kindFloat
	kindString
	kindBinary
	kindTime
)

// Normalize maps driver values onto the types FromRows understands.
func Normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	}
	return v
}

func kindOf(v any) kind {
	switch v.(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case int64:
		return kindInt
	case float64:
		return kindFloat
	case []byte:
		return kindBinary
	case time.Time:
		return kindTime
	}
	return kindString
}

// widen returns the kind able to hold values of both a and b.
func widen(a, b kind) kind {
	switch {
	case a == b || b == kindNull:
		return a
	case a == kindNull:
		return b
	case (a == kindInt && b == kindFloat) || (a == kindFloat && b == kindInt):
		return kindFloat
	}
	return kindString
}

func (k kind) dataType() arrow.DataType {
	switch k {
	case kindBool:
		return arrow.FixedWidthTypes.Boolean
	case kindInt:
		return arrow.PrimitiveTypes.Int64
	case kindFloat:
		return arrow.PrimitiveTypes.Float64
	case kindBinary:
		return arrow.BinaryTypes.Binary
	case kindTime:
		return arrow.FixedWidthTypes.Timestamp_ms
	}
	return arrow.BinaryTypes.String
}

// FromRows builds a record with one column per name. Column types are
// inferred from the values: integers and floats widen to float64, other
// mixes fall back to strings, and all-null columns are strings.
func FromRows(names []string, rows [][]any) (arrow.Record, error) {
	kinds := make([]kind, len(names))
	for _, row := range rows {
		if len(row) != len(names) {
			return nil, errors.Errorf("row has %d values, expected %d", len(row), len(names))
		}
		for i, v := range row {
			kinds[i] = widen(kinds[i], kindOf(Normalize(v)))
		}
	}

	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: kinds[i].dataType(), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)
	rb := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer rb.Release()

	for _, row := range rows {
		for i, v := range row {
			appendValue(rb.Field(i), kinds[i], Normalize(v))
		}
	}
	return rb.NewRecord(), nil
}

func appendValue(b array.Builder, k kind, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch k {
	case kindBool:
		b.(*array.BooleanBuilder).Append(v.(bool))
	case kindInt:
		b.(*array.Int64Builder).Append(v.(int64))
	case kindFloat:
		switch x := v.(type) {
		case int64:
			b.(*array.Float64Builder).Append(float64(x))
		default:
			b.(*array.Float64Builder).Append(x.(float64))
		}
	case kindBinary:
		b.(*array.BinaryBuilder).Append(v.([]byte))
	case kindTime:
		b.(*array.TimestampBuilder).Append(arrow.Timestamp(v.(time.Time).UnixMilli()))
	default:
		switch x := v.(type) {
		case string:
			b.(*array.StringBuilder).Append(x)
		case []byte:
			b.(*array.StringBuilder).Append(string(x))
		default:
			b.(*array.StringBuilder).Append(fmt.Sprint(x))
		}
	}
}

// ToRows returns the rows of rec as maps keyed by column name.
func ToRows(rec arrow.Record) []map[string]any {
	rows := make([]map[string]any, rec.NumRows())
	for r := range rows {
		rows[r] = make(map[string]any, rec.NumCols())
	}
	for c, col := range rec.Columns() {
		name := rec.ColumnName(c)
		for r := range rows {
			rows[r][name] = Value(col, r)
		}
	}
	return rows
}

// Value returns the i-th value of col as a Go value.
func Value(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch a := col.(type) {
	case *array.Boolean:
		return a.Value(i)
	case *array.Int64:
		return a.Value(i)
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Float64:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	case *array.Binary:
		return a.Value(i)
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit)
	}
	return col.ValueStr(i)
}

// RowsToMaps zips names with each row.
func RowsToMaps(names []string, rows [][]any) []map[string]any {
	out := make([]map[string]any, len(rows))
	for r, row := range rows {
		m := make(map[string]any, len(names))
		for i, name := range names {
			m[name] = Normalize(row[i])
		}
		out[r] = m
	}
	return out
}
