// Package httpframe does byte-level HTTP/1.1 response framing over a
// possibly-incomplete socket buffer: splitting header from body,
// checking the status line, and recovering the block index a range
// response belongs to from its Content-Range header.
package httpframe

import (
	"bytes"
	"errors"
	"fmt"
)

var crlfcrlf = []byte("\r\n\r\n")
var crlf = []byte("\r\n")

// ErrIncompleteHeader means buf does not yet contain a full header
// section (no blank line found). Callers should wait for more bytes.
var ErrIncompleteHeader = errors.New("httpframe: header not yet complete")

// ErrNoContentRange means the header has no Content-Range field.
var ErrNoContentRange = errors.New("httpframe: no Content-Range field")

// HTTPResponseError is returned when a response's status line is not
// "HTTP/1.1 206 Partial Content". It carries the raw status line.
type HTTPResponseError struct {
	Status string
}

func (e *HTTPResponseError) Error() string {
	return fmt.Sprintf("httpframe: unexpected status line %q", e.Status)
}

const wantStatus = "HTTP/1.1 206 Partial Content"

// SeparateHeader locates the first CRLFCRLF in buf and returns the
// bytes before it (the header) and the bytes after it (the body so
// far). It returns ErrIncompleteHeader if buf has no blank line yet.
// The search is case-sensitive and performs no trimming, matching the
// wire format exactly.
func SeparateHeader(buf []byte) (header, body []byte, err error) {
	idx := bytes.Index(buf, crlfcrlf)
	if idx < 0 {
		return nil, nil, ErrIncompleteHeader
	}
	return buf[:idx], buf[idx+len(crlfcrlf):], nil
}

// CheckStatus verifies that header's status line is exactly
// "HTTP/1.1 206 Partial Content". Any other status line is a fatal
// *HTTPResponseError, per the spec's non-recoverable error policy for
// bad statuses.
func CheckStatus(header []byte) error {
	idx := bytes.Index(header, crlf)
	statusLine := header
	if idx >= 0 {
		statusLine = header[:idx]
	}
	if !bytes.Contains(statusLine, []byte(wantStatus)) {
		return &HTTPResponseError{Status: string(statusLine)}
	}
	return nil
}

var (
	contentRangeLower = []byte("content-range: bytes ")
	contentRangeUpper = []byte("Content-Range: bytes ")
)

// GetOrder checks the response status (propagating an
// *HTTPResponseError verbatim) and then parses the block index out of
// the header's Content-Range field: the starting byte offset divided
// by chunkSize. It returns ErrNoContentRange if the field is absent.
//
// The field name match is attempted in both the canonical and
// lowercase forms; whichever one actually matches determines the
// prefix length used to slice the value, fixing a length bug in the
// original implementation where the lowercase search path sliced with
// the canonical-case prefix length.
func GetOrder(header []byte, chunkSize int64) (int64, error) {
	if err := CheckStatus(header); err != nil {
		return 0, err
	}

	idx := bytes.Index(header, contentRangeUpper)
	prefixLen := len(contentRangeUpper)
	if idx < 0 {
		idx = bytes.Index(header, contentRangeLower)
		prefixLen = len(contentRangeLower)
	}
	if idx < 0 {
		return 0, ErrNoContentRange
	}

	rest := header[idx+prefixLen:]
	dash := bytes.IndexByte(rest, '-')
	if dash < 0 {
		return 0, ErrNoContentRange
	}

	var start int64
	for _, c := range rest[:dash] {
		if c < '0' || c > '9' {
			return 0, ErrNoContentRange
		}
		start = start*10 + int64(c-'0')
	}

	if chunkSize <= 0 {
		return 0, fmt.Errorf("httpframe: chunk size must be positive, got %d", chunkSize)
	}

	return start / chunkSize, nil
}
