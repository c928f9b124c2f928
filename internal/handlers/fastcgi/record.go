// Package fastcgi implements the FastCGI backend handler and its
// connection-multiplexing client of spec.md §4.H: one TCP connection per
// upstream endpoint, shared across concurrently in-flight requests keyed
// by request id, each request exposing params/stdin/stdout/stderr as
// per-request virtual streams.
//
// Grounded on gophpeek-fcgx's fcgx.go record framing (writeRecord,
// encodePair), adapted from a single-request client into the
// multiplexing connection spec.md §3 "FastCGI connection" describes;
// teacher's caddyhttp/fastcgi/fcgiclient.go's record type constants
// confirm the same wire layout.
package fastcgi

import (
	"encoding/binary"
	"fmt"
)

// Record types, FastCGI v1 (spec.md §4.H).
const (
	typeBeginRequest = 1
	typeAbortRequest = 2
	typeEndRequest   = 3
	typeParams       = 4
	typeStdin        = 5
	typeStdout       = 6
	typeStderr       = 7
	typeData         = 8
)

const (
	roleResponder = 1
	flagKeepConn  = 1
)

const fcgiVersion = 1

// header is the 8-byte record header of spec.md §4.H.
type header struct {
	version       uint8
	kind          uint8
	requestID     uint16
	contentLength uint16
	paddingLength uint8
	reserved      uint8
}

func (h header) marshal() [8]byte {
	var b [8]byte
	b[0] = h.version
	b[1] = h.kind
	binary.BigEndian.PutUint16(b[2:4], h.requestID)
	binary.BigEndian.PutUint16(b[4:6], h.contentLength)
	b[6] = h.paddingLength
	b[7] = h.reserved
	return b
}

func unmarshalHeader(b []byte) header {
	return header{
		version:       b[0],
		kind:          b[1],
		requestID:     binary.BigEndian.Uint16(b[2:4]),
		contentLength: binary.BigEndian.Uint16(b[4:6]),
		paddingLength: b[6],
		reserved:      b[7],
	}
}

// beginRequestBody is the 8-byte BEGIN_REQUEST content.
type beginRequestBody struct {
	role     uint16
	flags    uint8
	reserved [5]byte
}

func (b beginRequestBody) marshal() [8]byte {
	var out [8]byte
	binary.BigEndian.PutUint16(out[0:2], b.role)
	out[2] = b.flags
	return out
}

// endRequestBody is the 8-byte END_REQUEST content.
type endRequestBody struct {
	appStatus      uint32
	protocolStatus uint8
}

func unmarshalEndRequest(b []byte) (endRequestBody, error) {
	if len(b) < 8 {
		return endRequestBody{}, fmt.Errorf("fastcgi: short END_REQUEST body (%d bytes)", len(b))
	}
	return endRequestBody{
		appStatus:      binary.BigEndian.Uint32(b[0:4]),
		protocolStatus: b[4],
	}, nil
}

// encodeParamLength encodes a params key/value length per spec.md §4.H:
// 1 byte if < 128, else a 4-byte form with the high bit set.
func encodeParamLength(n int) []byte {
	if n < 128 {
		return []byte{byte(n)}
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n)|0x80000000)
	return b[:]
}

// encodeParams encodes one PARAMS record's content for the given
// key/value pairs, in declaration order.
func encodeParams(pairs [][2]string) []byte {
	var buf []byte
	for _, kv := range pairs {
		buf = append(buf, encodeParamLength(len(kv[0]))...)
		buf = append(buf, encodeParamLength(len(kv[1]))...)
		buf = append(buf, kv[0]...)
		buf = append(buf, kv[1]...)
	}
	return buf
}

// padLength returns the padding that rounds n up to a multiple of 8, the
// same alignment convention gophpeek-fcgx's writeRecord uses.
func padLength(n int) int {
	if rem := n % 8; rem != 0 {
		return 8 - rem
	}
	return 0
}

const maxRecordContent = 65535
