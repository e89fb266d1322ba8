package protocol

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"

	"github.com/sidkik/quicksync/pkg/errors"
)

var byteOrder = binary.BigEndian

// invalidTime is sent in place of the zero time.Time.
const invalidTime = math.MinInt64

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) putInt32(v int32) {
	var b [4]byte
	byteOrder.PutUint32(b[:], uint32(v))
	e.buf.Write(b[:])
}

func (e *encoder) putBytes(v []byte) {
	var b [4]byte
	byteOrder.PutUint32(b[:], uint32(len(v)))
	e.buf.Write(b[:])
	e.buf.Write(v)
}

func (e *encoder) putString(v string) {
	e.putBytes([]byte(v))
}

// Times are sent as milliseconds since the Unix epoch, which is always UTC.
func (e *encoder) putTime(v time.Time) {
	ms := int64(invalidTime)
	if !v.IsZero() {
		ms = v.UnixMilli()
	}

	var b [8]byte
	byteOrder.PutUint64(b[:], uint64(ms))
	e.buf.Write(b[:])
}

func (e *encoder) putBool(v bool) {
	if v {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

// decoder reads fields from a payload. The first error is sticky, and all
// reads after it return zero values.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}

	if n < 0 || len(d.buf) < n {
		d.err = errors.New("payload truncated: need %d bytes, have %d", n, len(d.buf))
		return nil
	}

	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) int32() int32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return int32(byteOrder.Uint32(b))
}

func (d *decoder) bytes() []byte {
	n := d.take(4)
	if n == nil {
		return nil
	}

	b := d.take(int(byteOrder.Uint32(n)))
	if d.err != nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (d *decoder) string() string {
	b := d.bytes()
	if d.err == nil && !utf8.Valid(b) {
		d.err = errors.New("string is not valid UTF-8")
	}
	return string(b)
}

func (d *decoder) time() time.Time {
	b := d.take(8)
	if b == nil {
		return time.Time{}
	}

	ms := int64(byteOrder.Uint64(b))
	if ms == invalidTime {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (d *decoder) bool() bool {
	b := d.take(1)
	return b != nil && b[0] != 0
}
