package docdb

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
)

// Every on-disk structure is written with the host byte order:
//   fixed width numbers  raw, sizeof(T) bytes
//   string / []byte      size:uint64 + raw bytes
//   optional             has_value:bool + value
//   sequence             count:uint64 + elements
//   time                 int64 nanoseconds since the Unix epoch

// defaultBlobLimit bounds a single length-prefixed value so a corrupted
// length cannot trigger a huge allocation. Readers over a file of known size
// narrow it further with SetLimit.
const defaultBlobLimit = DefaultMaxPageSize

// Marshaler is implemented by types that know how to write themselves.
type Marshaler interface {
	EncodeBinary(w *BinaryWriter) error
}

// Unmarshaler is implemented by types that know how to read themselves.
type Unmarshaler interface {
	DecodeBinary(r *BinaryReader) error
}

// BinaryWriter encodes values into an io.Writer. The first error is sticky:
// later calls are no-ops and Err/Flush report it.
type BinaryWriter struct {
	out     io.Writer
	buf     *bufio.Writer
	err     error
	scratch [8]byte
}

func NewBinaryWriter(out io.Writer) *BinaryWriter {
	return &BinaryWriter{out: out, buf: bufio.NewWriter(out)}
}

func (w *BinaryWriter) Err() error { return w.err }

func (w *BinaryWriter) setErr(err error) {
	if w.err == nil && err != nil {
		w.err = err
	}
}

// SeekTo flushes pending bytes and moves the underlying writer to an absolute offset.
func (w *BinaryWriter) SeekTo(offset int64) {
	if w.err != nil {
		return
	}
	seeker, ok := w.out.(io.Seeker)
	if !ok {
		w.setErr(errors.New("binary: writer is not seekable"))
		return
	}
	if err := w.buf.Flush(); err != nil {
		w.setErr(err)
		return
	}
	_, err := seeker.Seek(offset, io.SeekStart)
	w.setErr(err)
}

func (w *BinaryWriter) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.setErr(w.buf.Flush())
	return w.err
}

func (w *BinaryWriter) write(b []byte) {
	if w.err != nil {
		return
	}
	_, err := w.buf.Write(b)
	w.setErr(err)
}

func (w *BinaryWriter) Bool(v bool) {
	if v {
		w.Uint8(1)
	} else {
		w.Uint8(0)
	}
}

func (w *BinaryWriter) Uint8(v uint8) {
	w.scratch[0] = v
	w.write(w.scratch[:1])
}

func (w *BinaryWriter) Uint16(v uint16) {
	binary.NativeEndian.PutUint16(w.scratch[:2], v)
	w.write(w.scratch[:2])
}

func (w *BinaryWriter) Uint32(v uint32) {
	binary.NativeEndian.PutUint32(w.scratch[:4], v)
	w.write(w.scratch[:4])
}

func (w *BinaryWriter) Uint64(v uint64) {
	binary.NativeEndian.PutUint64(w.scratch[:8], v)
	w.write(w.scratch[:8])
}

func (w *BinaryWriter) Int32(v int32) { w.Uint32(uint32(v)) }

func (w *BinaryWriter) Int64(v int64) { w.Uint64(uint64(v)) }

func (w *BinaryWriter) Float64(v float64) { w.Uint64(math.Float64bits(v)) }

func (w *BinaryWriter) Bytes(v []byte) {
	w.Uint64(uint64(len(v)))
	w.write(v)
}

func (w *BinaryWriter) String(v string) {
	w.Uint64(uint64(len(v)))
	if w.err != nil {
		return
	}
	_, err := w.buf.WriteString(v)
	w.setErr(err)
}

func (w *BinaryWriter) Time(v time.Time) { w.Int64(v.UnixNano()) }

// BinaryReader decodes values from an io.Reader with the same sticky error
// semantics as BinaryWriter. Reads past the end fail with ErrEndOfStream.
type BinaryReader struct {
	in      io.Reader
	buf     *bufio.Reader
	err     error
	limit   uint64
	scratch [8]byte
}

func NewBinaryReader(in io.Reader) *BinaryReader {
	return &BinaryReader{in: in, buf: bufio.NewReader(in), limit: defaultBlobLimit}
}

// SetLimit caps the length Bytes accepts for a single value.
func (r *BinaryReader) SetLimit(limit uint64) { r.limit = limit }

func (r *BinaryReader) Err() error { return r.err }

func (r *BinaryReader) setErr(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}

// SeekTo drops buffered data and moves the underlying reader to an absolute offset.
func (r *BinaryReader) SeekTo(offset int64) {
	if r.err != nil {
		return
	}
	seeker, ok := r.in.(io.Seeker)
	if !ok {
		r.setErr(errors.New("binary: reader is not seekable"))
		return
	}
	if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
		r.setErr(err)
		return
	}
	r.buf.Reset(r.in)
}

func (r *BinaryReader) read(b []byte) bool {
	if r.err != nil {
		return false
	}
	if _, err := io.ReadFull(r.buf, b); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = ErrEndOfStream
		}
		r.setErr(err)
		return false
	}
	return true
}

func (r *BinaryReader) Bool() bool { return r.Uint8() != 0 }

func (r *BinaryReader) Uint8() uint8 {
	if !r.read(r.scratch[:1]) {
		return 0
	}
	return r.scratch[0]
}

func (r *BinaryReader) Uint16() uint16 {
	if !r.read(r.scratch[:2]) {
		return 0
	}
	return binary.NativeEndian.Uint16(r.scratch[:2])
}

func (r *BinaryReader) Uint32() uint32 {
	if !r.read(r.scratch[:4]) {
		return 0
	}
	return binary.NativeEndian.Uint32(r.scratch[:4])
}

func (r *BinaryReader) Uint64() uint64 {
	if !r.read(r.scratch[:8]) {
		return 0
	}
	return binary.NativeEndian.Uint64(r.scratch[:8])
}

func (r *BinaryReader) Int32() int32 { return int32(r.Uint32()) }

func (r *BinaryReader) Int64() int64 { return int64(r.Uint64()) }

func (r *BinaryReader) Float64() float64 { return math.Float64frombits(r.Uint64()) }

func (r *BinaryReader) Bytes() []byte {
	size := r.Uint64()
	if r.err != nil {
		return nil
	}
	if size > r.limit {
		r.setErr(errors.Errorf("binary: length %d exceeds limit %d", size, r.limit))
		return nil
	}
	data := make([]byte, size)
	if !r.read(data) {
		return nil
	}
	return data
}

// StringValue reads a length-prefixed string. It is not named String so the
// reader does not satisfy fmt.Stringer.
func (r *BinaryReader) StringValue() string { return string(r.Bytes()) }

func (r *BinaryReader) Time() time.Time {
	ns := r.Int64()
	if r.err != nil {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// WriteOptional writes has_value followed by *v when v is not nil.
func WriteOptional[T any, PT interface {
	*T
	Marshaler
}](w *BinaryWriter, v *T) error {
	w.Bool(v != nil)
	if v == nil {
		return w.Err()
	}
	if err := PT(v).EncodeBinary(w); err != nil {
		return err
	}
	return w.Err()
}

// ReadOptional is the inverse of WriteOptional; it returns nil when the value is absent.
func ReadOptional[T any, PT interface {
	*T
	Unmarshaler
}](r *BinaryReader) (*T, error) {
	present := r.Bool()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	v := new(T)
	if err := PT(v).DecodeBinary(r); err != nil {
		return nil, err
	}
	return v, r.Err()
}

// WriteSlice writes count followed by each element.
func WriteSlice[T any, PT interface {
	*T
	Marshaler
}](w *BinaryWriter, items []T) error {
	w.Uint64(uint64(len(items)))
	for i := range items {
		if err := PT(&items[i]).EncodeBinary(w); err != nil {
			return err
		}
	}
	return w.Err()
}

// ReadSlice is the inverse of WriteSlice.
func ReadSlice[T any, PT interface {
	*T
	Unmarshaler
}](r *BinaryReader) ([]T, error) {
	count := r.Uint64()
	if err := r.Err(); err != nil {
		return nil, err
	}
	items := make([]T, 0, minInt(count, 1024))
	for i := uint64(0); i < count; i++ {
		var item T
		if err := PT(&item).DecodeBinary(r); err != nil {
			return nil, err
		}
		if err := r.Err(); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func minInt(count uint64, limit int) int {
	if count < uint64(limit) {
		return int(count)
	}
	return limit
}
