package http1

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
)

// ErrBadHead is returned when a head that net/http accepted cannot be
// re-scanned for header names.
var ErrBadHead = errors.New("http1: malformed message head")

// ErrHeadTooLarge is returned when a message head exceeds MaxHeadBytes.
var ErrHeadTooLarge = errors.New("http1: message head too large")

// MaxHeadBytes bounds the size of a single message head.
const MaxHeadBytes = http.DefaultMaxHeaderBytes

// Order is the list of header field names in wire order, spelled as sent.
// A name repeats if the field was repeated.
type Order []string

const bufSize = 4096

// Reader reads consecutive messages from one connection.
type Reader struct {
	br  *bufio.Reader
	rec recorder
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	rd := &Reader{}
	rd.br = bufio.NewReaderSize(io.TeeReader(r, &rd.rec), bufSize)
	return rd
}

// recorder keeps a copy of bytes read from the connection while a head is
// being parsed. Body bytes are not recorded.
type recorder struct {
	on  bool
	buf bytes.Buffer
}

func (rec *recorder) Write(p []byte) (int, error) {
	if rec.on {
		if rec.buf.Len()+len(p) > MaxHeadBytes+bufSize {
			return 0, ErrHeadTooLarge
		}
		rec.buf.Write(p)
	}
	return len(p), nil
}

// BufReader returns the reader holding bytes received but not yet consumed.
// Callers switching a connection to raw transport must drain it first.
func (r *Reader) BufReader() *bufio.Reader {
	return r.br
}

// ReadRequest reads the next request head. The body is read through
// req.Body, which must be consumed or abandoned before the next call.
func (r *Reader) ReadRequest() (*http.Request, Order, error) {
	r.startHead()

	req, err := http.ReadRequest(r.br)
	head := r.endHead()
	if err != nil {
		return nil, nil, err
	}

	order, err := headerOrder(head)
	if err != nil {
		return nil, nil, err
	}
	return req, order, nil
}

// ReadResponse reads the next response head for req, which determines
// whether the response may carry a body.
func (r *Reader) ReadResponse(req *http.Request) (*http.Response, Order, error) {
	r.startHead()

	resp, err := http.ReadResponse(r.br, req)
	head := r.endHead()
	if err != nil {
		return nil, nil, err
	}

	order, err := headerOrder(head)
	if err != nil {
		return nil, nil, err
	}
	return resp, order, nil
}

// startHead seeds the record with the bytes already buffered, which are the
// first bytes the parser will consume.
func (r *Reader) startHead() {
	r.rec.buf.Reset()
	if n := r.br.Buffered(); n > 0 {
		b, _ := r.br.Peek(n)
		r.rec.buf.Write(b)
	}
	r.rec.on = true
}

// endHead stops recording and returns the bytes consumed since startHead.
func (r *Reader) endHead() []byte {
	r.rec.on = false
	b := r.rec.buf.Bytes()
	return b[:len(b)-r.br.Buffered()]
}

// headerOrder scans a message head and returns its field names. The start
// line is skipped and obsolete line folding is treated as a continuation.
func headerOrder(head []byte) (Order, error) {
	var order Order

	first := true
	for len(head) > 0 {
		line := head
		if i := bytes.IndexByte(head, '\n'); i >= 0 {
			line, head = head[:i], head[i+1:]
		} else {
			head = nil
		}
		line = bytes.TrimSuffix(line, []byte("\r"))

		if first {
			first = false
			continue
		}
		if len(line) == 0 {
			return order, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			continue
		}

		i := bytes.IndexByte(line, ':')
		if i <= 0 {
			return nil, ErrBadHead
		}
		order = append(order, string(line[:i]))
	}

	return nil, ErrBadHead
}
