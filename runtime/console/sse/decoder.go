// Package sse reassembles Server-Sent Event records from a byte stream that
// arrives in arbitrary chunks. It performs no interpretation of the record
// payload: decoding the JSON carried in data lines is left to the event
// package.
package sse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
)

// defaultChunkSize is the read size used by Reader when none is configured.
const defaultChunkSize = 4096

type (
	// Record is one complete SSE record.
	Record struct {
		// Event is the value of the last "event:" line, empty when absent.
		Event string
		// Data holds the "data:" lines joined with "\n".
		Data []byte
	}

	// Decoder buffers partial records across chunk boundaries. A Decoder is
	// owned by a single consumer and is not safe for concurrent use.
	Decoder struct {
		pending []byte
		// scanned is the offset in pending up to which no delimiter can
		// start.
		scanned int
	}

	// Reader is a pull iterator over the records of an io.Reader.
	Reader struct {
		src       io.Reader
		dec       Decoder
		queue     []Record
		buf       []byte
		done      bool
		err       error
		discarded int
	}

	// ReaderOption configures a Reader.
	ReaderOption func(*Reader)
)

// Feed appends chunk to the pending buffer and returns every record completed
// by it, in arrival order. The trailing incomplete fragment is retained.
func (d *Decoder) Feed(chunk []byte) []Record {
	if len(chunk) == 0 {
		return nil
	}
	d.pending = append(d.pending, chunk...)
	var out []Record
	for {
		end, next := delimiter(d.pending, d.scanned)
		if end < 0 {
			// A delimiter straddling the next chunk starts at most two
			// bytes before the end.
			d.scanned = max(len(d.pending)-2, 0)
			break
		}
		if rec, ok := parseRecord(d.pending[:end]); ok {
			out = append(out, rec)
		}
		d.pending = d.pending[next:]
		d.scanned = 0
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return out
}

// Close discards any incomplete trailing record and returns the number of
// bytes dropped.
func (d *Decoder) Close() int {
	n := len(bytes.TrimSpace(d.pending))
	d.pending = nil
	d.scanned = 0
	return n
}

// Pending reports the number of buffered bytes not yet forming a record.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// WithChunkSize sets the size of the reads issued against the source.
func WithChunkSize(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.buf = make([]byte, n)
		}
	}
}

// NewReader returns a Reader pulling chunks from src.
func NewReader(src io.Reader, opts ...ReaderOption) *Reader {
	r := &Reader{src: src}
	for _, o := range opts {
		o(r)
	}
	if r.buf == nil {
		r.buf = make([]byte, defaultChunkSize)
	}
	return r
}

// Next returns the next complete record. It blocks only while reading from
// the source. At the end of the stream it returns io.EOF; a read failure is
// returned as is. Next checks ctx before handing out each record so a
// canceled turn stops at once, dropping records already buffered, even if
// the source ignores cancellation.
func (r *Reader) Next(ctx context.Context) (Record, error) {
	for {
		if !r.done {
			if err := ctx.Err(); err != nil {
				r.queue = nil
				r.finish(err)
			}
		}
		if len(r.queue) > 0 {
			rec := r.queue[0]
			r.queue = r.queue[1:]
			return rec, nil
		}
		if r.done {
			return Record{}, r.err
		}
		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.queue = append(r.queue, r.dec.Feed(r.buf[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.finish(io.EOF)
			} else {
				r.finish(err)
			}
		}
	}
}

// Discarded returns the number of bytes of the incomplete trailing record
// dropped when the stream ended.
func (r *Reader) Discarded() int {
	return r.discarded
}

func (r *Reader) finish(err error) {
	r.done = true
	r.err = err
	r.discarded = r.dec.Close()
}

// delimiter locates the first blank line in buf starting at or after from.
// It returns the end of the record and the offset where the next record
// starts, or -1 when buf holds no complete record.
func delimiter(buf []byte, from int) (int, int) {
	for i := from; i < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		j := i + 1
		if j < len(buf) && buf[j] == '\r' {
			j++
		}
		if j < len(buf) && buf[j] == '\n' {
			return i, j + 1
		}
	}
	return -1, -1
}

func parseRecord(raw []byte) (Record, bool) {
	var (
		rec     Record
		hasData bool
		data    []byte
	)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			rec.Event = value
		case "data":
			if hasData {
				data = append(data, '\n')
			}
			data = append(data, value...)
			hasData = true
		}
	}
	if !hasData {
		return Record{}, false
	}
	rec.Data = data
	return rec, true
}
