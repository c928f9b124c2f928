package httpwire

import (
	"fmt"

	"github.com/cobrahttp/cobrahttp/internal/iostream"
)

// WriteRequest writes a request-line and header block to w, matching
// writer.hh/stringify.cc's wire format (and header.cc's trailing blank
// line after the header block).
func WriteRequest(w iostream.Writer, req *Request) error {
	line := fmt.Sprintf("%s %s %s\r\n", req.Method, req.Target, req.Version)
	if err := iostream.WriteAll(w, []byte(line)); err != nil {
		return err
	}
	return writeHeaderMap(w, req.Header)
}

// WriteResponse writes a status-line and header block to w.
func WriteResponse(w iostream.Writer, resp *Response) error {
	line := fmt.Sprintf("%s %03d %s\r\n", resp.Version, resp.Code, resp.Reason)
	if err := iostream.WriteAll(w, []byte(line)); err != nil {
		return err
	}
	return writeHeaderMap(w, resp.Header)
}

func writeHeaderMap(w iostream.Writer, h Header) error {
	for _, key := range h.Keys() {
		line := fmt.Sprintf("%s: %s\r\n", key, h[key])
		if err := iostream.WriteAll(w, []byte(line)); err != nil {
			return err
		}
	}
	return iostream.WriteAll(w, []byte("\r\n"))
}
