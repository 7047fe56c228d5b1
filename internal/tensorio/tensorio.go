// Package tensorio encodes named, rank-tagged tensors as Arrow record batches.
// The same layout is used on the wire by the Flight collective backend and on disk
// for state-dict files.
package tensorio

import (
	"errors"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-shard/internal/tensor"
)

// ErrSchema is returned when a record does not carry the tensor schema.
var ErrSchema = errors.New("unexpected tensor record schema")

// Schema is one row per tensor.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "rank", Type: arrow.PrimitiveTypes.Int32},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}, nil)

// Entry is one encoded tensor.
type Entry struct {
	Name   string
	Rank   int
	Tensor *tensor.Tensor
}

// Encode builds a record holding entries in order. The caller must Release it.
func Encode(mem memory.Allocator, entries []Entry) arrow.Record {
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	names := b.Field(0).(*array.StringBuilder)
	ranks := b.Field(1).(*array.Int32Builder)
	shapes := b.Field(2).(*array.ListBuilder)
	shapeVals := shapes.ValueBuilder().(*array.Int64Builder)
	values := b.Field(3).(*array.ListBuilder)
	dataVals := values.ValueBuilder().(*array.Float32Builder)

	for _, e := range entries {
		names.Append(e.Name)
		ranks.Append(int32(e.Rank))
		shapes.Append(true)
		for _, d := range e.Tensor.Shape() {
			shapeVals.Append(int64(d))
		}
		values.Append(true)
		dataVals.AppendValues(e.Tensor.Data(), nil)
	}
	return b.NewRecord()
}

// Decode copies every row of rec into a fresh tensor.
func Decode(rec arrow.Record) ([]Entry, error) {
	if !rec.Schema().Equal(Schema) {
		return nil, fmt.Errorf("%w: %s", ErrSchema, rec.Schema())
	}
	names := rec.Column(0).(*array.String)
	ranks := rec.Column(1).(*array.Int32)
	shapes := rec.Column(2).(*array.List)
	shapeVals := shapes.ListValues().(*array.Int64)
	values := rec.Column(3).(*array.List)
	dataVals := values.ListValues().(*array.Float32)

	out := make([]Entry, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		start, end := shapes.ValueOffsets(i)
		shape := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			shape = append(shape, int(shapeVals.Value(int(j))))
		}

		start, end = values.ValueOffsets(i)
		data := make([]float32, end-start)
		for j := start; j < end; j++ {
			data[j-start] = dataVals.Value(int(j))
		}

		t, err := tensor.FromSlice(data, shape...)
		if err != nil {
			return nil, fmt.Errorf("row %d (%s): %w", i, names.Value(i), err)
		}
		out = append(out, Entry{Name: names.Value(i), Rank: int(ranks.Value(i)), Tensor: t})
	}
	return out, nil
}

// WriteFile stores entries as an Arrow IPC file.
func WriteFile(path string, entries []Entry) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	mem := memory.NewGoAllocator()
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("open arrow writer: %w", err)
	}
	rec := Encode(mem, entries)
	defer rec.Release()
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("write record: %w", err)
	}
	return w.Close()
}

// ReadFile loads every tensor stored by WriteFile.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open arrow reader: %w", err)
	}
	defer r.Close()

	var out []Entry
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("read record %d: %w", i, err)
		}
		entries, err := Decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}
