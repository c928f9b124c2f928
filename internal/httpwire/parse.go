package httpwire

import (
	"errors"
	"strings"

	"github.com/cobrahttp/cobrahttp/internal/iostream"
	"golang.org/x/net/http/httpguts"
)

// Size limits ported from parse.hh's constants.
const (
	maxHeaderKeyLength       = 256
	maxHeaderValueLength     = 4096
	maxHeaderMapLength       = 256
	maxHeaderMapSize         = 65536
	maxRequestMethodLength   = 256
	maxRequestURILength      = 4096
	maxResponseReasonLength  = 256
	maxCGIHeaderKeyLength    = 256
	maxCGIHeaderValueLength  = 4096
	maxCGIHeaderMapLength    = 256
	maxCGIHeaderMapSize      = 65536
)

// Sentinel parse errors, one per http_parse_error enumerator actually
// reachable from this port (a handful of the original's cases — e.g.
// header_map_duplicate — were declared but never thrown, and are
// likewise omitted here).
var (
	ErrUnexpectedEOF        = errors.New("httpwire: unexpected end of stream")
	ErrBadEOL               = errors.New("httpwire: malformed line ending")
	ErrBadHeader            = errors.New("httpwire: malformed header block terminator")
	ErrBadHeaderKey         = errors.New("httpwire: malformed header key")
	ErrBadHeaderValue       = errors.New("httpwire: malformed header value")
	ErrHeaderKeyTooLong     = errors.New("httpwire: header key too long")
	ErrHeaderValueTooLong   = errors.New("httpwire: header value too long")
	ErrHeaderMapTooLong     = errors.New("httpwire: too many headers")
	ErrHeaderMapTooLarge    = errors.New("httpwire: header block too large")
	ErrEmptyHeaderKey       = errors.New("httpwire: empty header key")
	ErrBadRequestMethod     = errors.New("httpwire: malformed request method")
	ErrRequestMethodTooLong = errors.New("httpwire: request method too long")
	ErrEmptyRequestMethod   = errors.New("httpwire: empty request method")
	ErrBadRequestURI        = errors.New("httpwire: malformed request-target")
	ErrRequestURITooLong    = errors.New("httpwire: request-target too long")
	ErrBadVersion           = errors.New("httpwire: malformed HTTP version")
	ErrBadResponseCode      = errors.New("httpwire: malformed response code")
)

func peek(br iostream.BufferedReader) (byte, bool, error) {
	buf, err := br.FillBuf()
	if err != nil {
		return 0, false, err
	}
	if len(buf) == 0 {
		return 0, false, nil
	}
	return buf[0], true, nil
}

func take(br iostream.BufferedReader, pred func(byte) bool) (bool, error) {
	ch, ok, err := peek(br)
	if err != nil || !ok || !pred(ch) {
		return false, err
	}
	br.Consume(1)
	return true, nil
}

func takeByte(br iostream.BufferedReader, want byte) (bool, error) {
	return take(br, func(ch byte) bool { return ch == want })
}

func takeString(br iostream.BufferedReader, s string) (bool, error) {
	for i := 0; i < len(s); i++ {
		ok, err := takeByte(br, s[i])
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// parseEOL consumes a CRLF line ending; it returns (true, nil) if one
// was consumed, (false, nil) if neither \r nor \n was present, and an
// error if exactly one of the two was present (a malformed ending).
func parseEOL(br iostream.BufferedReader) (bool, error) {
	cr, err := takeByte(br, '\r')
	if err != nil {
		return false, err
	}
	lf, err := takeByte(br, '\n')
	if err != nil {
		return false, err
	}
	if cr != lf {
		return false, ErrBadEOL
	}
	return cr, nil
}

func parseCGIEOL(br iostream.BufferedReader) (bool, error) {
	cr, err := takeByte(br, '\r')
	if err != nil {
		return false, err
	}
	lf, err := takeByte(br, '\n')
	if err != nil {
		return false, err
	}
	return cr || lf, nil
}

func parseString(br iostream.BufferedReader, pred func(byte) bool, maxLen int, tooLong error) (string, error) {
	var b strings.Builder
	for {
		ch, ok, err := peek(br)
		if err != nil {
			return "", err
		}
		if !ok || !pred(ch) {
			break
		}
		b.WriteByte(ch)
		br.Consume(1)
		if b.Len() > maxLen {
			return "", tooLong
		}
	}
	return b.String(), nil
}

func parseDigit(br iostream.BufferedReader) (int, error) {
	ch, ok, err := peek(br)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrUnexpectedEOF
	}
	if ch < '0' || ch > '9' {
		return 0, ErrBadVersion
	}
	br.Consume(1)
	return int(ch - '0'), nil
}

func parseVersion(br iostream.BufferedReader) (Version, error) {
	ok, err := takeString(br, "HTTP/")
	if err != nil {
		return Version{}, err
	}
	if !ok {
		return Version{}, ErrBadVersion
	}
	major, err := parseDigit(br)
	if err != nil {
		return Version{}, err
	}
	if ok, err = takeByte(br, '.'); err != nil {
		return Version{}, err
	} else if !ok {
		return Version{}, ErrBadVersion
	}
	minor, err := parseDigit(br)
	if err != nil {
		return Version{}, err
	}
	return Version{Major: uint16(major), Minor: uint16(minor)}, nil
}

func parseHeaderKey(br iostream.BufferedReader, maxLen int) (string, error) {
	key, err := parseString(br, isHTTPToken, maxLen, ErrHeaderKeyTooLong)
	if err != nil {
		return "", err
	}
	if ok, err := takeByte(br, ':'); err != nil {
		return "", err
	} else if !ok {
		return "", ErrBadHeaderKey
	}
	if key == "" {
		return "", ErrEmptyHeaderKey
	}
	// isHTTPToken's class already excludes everything RFC 7230 §3.2.6
	// forbids in a field-name; httpguts.ValidHeaderFieldName is a second,
	// independently-maintained check of the same rule (it's what
	// net/http itself validates header names against), run as
	// belt-and-suspenders against a hand-written grammar.
	if !httpguts.ValidHeaderFieldName(key) {
		return "", ErrBadHeaderKey
	}
	return key, nil
}

func parseHeaderValue(br iostream.BufferedReader) (string, error) {
	var b strings.Builder
	space := false
	for {
		ch, ok, err := peek(br)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrUnexpectedEOF
		}
		switch {
		case isHTTPWS(ch):
			br.Consume(1)
			space = b.Len() > 0
		case !isHTTPCtl(ch):
			br.Consume(1)
			if space {
				b.WriteByte(' ')
				space = false
			}
			b.WriteByte(ch)
			if b.Len() > maxHeaderValueLength {
				return "", ErrHeaderValueTooLong
			}
		default:
			matched, err := parseEOL(br)
			if err != nil {
				return "", err
			}
			if !matched {
				return "", ErrBadHeaderValue
			}
			next, ok, err := peek(br)
			if err != nil {
				return "", err
			}
			if !ok || !isHTTPWS(next) {
				return b.String(), nil
			}
		}
	}
}

// parseHeaderMap reads header lines into h until the blank terminator
// line, folding repeated keys into a single comma-joined value (the
// same insert_or_append behavior the message type uses elsewhere).
func parseHeaderMap(br iostream.BufferedReader, h Header) error {
	length, size := 0, 0
	for {
		ch, ok, err := peek(br)
		if err != nil {
			return err
		}
		if !ok || !isHTTPToken(ch) {
			break
		}
		key, err := parseHeaderKey(br, maxHeaderKeyLength)
		if err != nil {
			return err
		}
		value, err := parseHeaderValue(br)
		if err != nil {
			return err
		}
		length++
		size += len(value)
		if existing, ok := h.Get(key); ok {
			value = existing + ", " + value
		} else {
			size += len(key)
		}
		if length > maxHeaderMapLength {
			return ErrHeaderMapTooLong
		}
		if size > maxHeaderMapSize {
			return ErrHeaderMapTooLarge
		}
		h.Set(key, value)
	}
	matched, err := parseEOL(br)
	if err != nil {
		return err
	}
	if !matched {
		return ErrBadHeader
	}
	return nil
}

// ParseRequest reads a request-line and header block from br.
func ParseRequest(br iostream.BufferedReader) (*Request, error) {
	method, err := parseString(br, isHTTPToken, maxRequestMethodLength, ErrRequestMethodTooLong)
	if err != nil {
		return nil, err
	}
	if ok, err := takeByte(br, ' '); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrBadRequestMethod
	}
	if method == "" {
		return nil, ErrEmptyRequestMethod
	}

	target, err := parseString(br, isHTTPURI, maxRequestURILength, ErrRequestURITooLong)
	if err != nil {
		return nil, err
	}
	if ok, err := takeByte(br, ' '); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrBadRequestURI
	}

	version, err := parseVersion(br)
	if err != nil {
		return nil, err
	}
	matched, err := parseEOL(br)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, ErrBadVersion
	}

	req := NewRequest(version, method, target)
	if err := parseHeaderMap(br, req.Header); err != nil {
		return nil, err
	}
	return req, nil
}

// ParseResponse reads a status-line and header block from br.
func ParseResponse(br iostream.BufferedReader) (*Response, error) {
	version, err := parseVersion(br)
	if err != nil {
		return nil, err
	}
	if ok, err := takeByte(br, ' '); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrBadVersion
	}

	code := 0
	for i := 0; i < 3; i++ {
		d, err := parseDigit(br)
		if err != nil {
			return nil, ErrBadResponseCode
		}
		code = code*10 + d
	}
	if ok, err := takeByte(br, ' '); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrBadResponseCode
	}

	reason, err := parseString(br, isHTTPReason, maxResponseReasonLength, ErrBadRequestURI)
	if err != nil {
		return nil, err
	}
	matched, err := parseEOL(br)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, ErrBadEOL
	}

	resp := NewResponse(version, code, reason)
	if err := parseHeaderMap(br, resp.Header); err != nil {
		return nil, err
	}
	return resp, nil
}

func parseCGIHeaderValue(br iostream.BufferedReader) (string, error) {
	var b strings.Builder
	for {
		ch, ok, err := peek(br)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrUnexpectedEOF
		}
		if isCGIValue(ch) {
			br.Consume(1)
			if b.Len() == 0 && isHTTPWS(ch) {
				continue
			}
			b.WriteByte(ch)
			if b.Len() > maxCGIHeaderValueLength {
				return "", ErrHeaderValueTooLong
			}
			continue
		}
		matched, err := parseCGIEOL(br)
		if err != nil {
			return "", err
		}
		if !matched {
			return "", ErrBadHeaderValue
		}
		return strings.TrimRight(b.String(), " \t"), nil
	}
}

// ParseCGIHeaders reads an RFC 3875-style CGI header block (a
// lenient line ending, and first-value-wins on duplicate keys, per
// the original parser's unresolved TODO about duplicate handling).
func ParseCGIHeaders(br iostream.BufferedReader) (Header, error) {
	h := NewHeader()
	length, size := 0, 0
	for {
		ch, ok, err := peek(br)
		if err != nil {
			return nil, err
		}
		if !ok || !isHTTPToken(ch) {
			break
		}
		key, err := parseHeaderKey(br, maxCGIHeaderKeyLength)
		if err != nil {
			return nil, err
		}
		value, err := parseCGIHeaderValue(br)
		if err != nil {
			return nil, err
		}
		length++
		size += len(value)
		if !h.Has(key) {
			size += len(key)
		}
		if length > maxCGIHeaderMapLength {
			return nil, ErrHeaderMapTooLong
		}
		if size > maxCGIHeaderMapSize {
			return nil, ErrHeaderMapTooLarge
		}
		if !h.Has(key) {
			h.Set(key, value)
		}
	}
	matched, err := parseCGIEOL(br)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, ErrBadHeader
	}
	return h, nil
}
