package http1

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"slices"
	"strings"
)

// WriteRequestHead writes a request line and header block. requestURI is
// written verbatim, so the caller chooses origin-form or authority-form.
func WriteRequestHead(w *bufio.Writer, method, requestURI string, protoMajor, protoMinor int, header http.Header, order Order) error {
	if _, err := fmt.Fprintf(w, "%s %s HTTP/%d.%d\r\n", method, requestURI, protoMajor, protoMinor); err != nil {
		return err
	}
	return writeHeader(w, header, order)
}

// WriteResponseHead writes a status line and header block. An empty reason
// uses the standard status text.
func WriteResponseHead(w *bufio.Writer, protoMajor, protoMinor, code int, reason string, header http.Header, order Order) error {
	if reason == "" {
		reason = http.StatusText(code)
	}
	reason = valueReplacer.Replace(reason)
	if _, err := fmt.Fprintf(w, "HTTP/%d.%d %03d %s\r\n", protoMajor, protoMinor, code, reason); err != nil {
		return err
	}
	return writeHeader(w, header, order)
}

// Reason returns the reason phrase of a status line such as "404 Not Found".
func Reason(status string) string {
	_, reason, _ := strings.Cut(status, " ")
	return reason
}

// writeHeader emits header fields named in order first, using the name as
// spelled there and the values of header in sequence. Fields of header not
// covered by order follow in sorted canonical form. Names in order with no
// remaining values are skipped, so deleting from header drops the field.
func writeHeader(w *bufio.Writer, header http.Header, order Order) error {
	used := make(map[string]int, len(header))

	for _, name := range order {
		key := textproto.CanonicalMIMEHeaderKey(name)
		values := header[key]
		i := used[key]
		if i >= len(values) {
			continue
		}
		used[key] = i + 1
		if err := writeField(w, name, values[i]); err != nil {
			return err
		}
	}

	keys := make([]string, 0, len(header))
	for key := range header {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		for _, v := range header[key][used[key]:] {
			if err := writeField(w, key, v); err != nil {
				return err
			}
		}
	}

	_, err := w.WriteString("\r\n")
	return err
}

var valueReplacer = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

func writeField(w *bufio.Writer, name, value string) error {
	_, err := fmt.Fprintf(w, "%s: %s\r\n", name, valueReplacer.Replace(strings.TrimSpace(value)))
	return err
}

// WriteChunked copies body to w using chunked transfer coding, then writes
// the terminating chunk and the trailer fields. trailer is read after body
// reaches EOF, matching how net/http fills Request.Trailer and
// Response.Trailer. Each chunk is flushed so the peer sees data as it
// arrives.
func WriteChunked(w *bufio.Writer, body io.Reader, trailer func() http.Header, buf []byte) (int64, error) {
	cw := httputil.NewChunkedWriter(w)

	n, err := io.CopyBuffer(chunkFlusher{cw: cw, w: w}, body, buf)
	if err != nil {
		return n, err
	}
	if err := cw.Close(); err != nil {
		return n, err
	}

	var t http.Header
	if trailer != nil {
		t = trailer()
	}
	if err := writeHeader(w, t, nil); err != nil {
		return n, err
	}
	return n, w.Flush()
}

// chunkFlusher flushes after every chunk.
type chunkFlusher struct {
	cw io.Writer
	w  *bufio.Writer
}

func (f chunkFlusher) Write(p []byte) (int, error) {
	n, err := f.cw.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.w.Flush()
}
