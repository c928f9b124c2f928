package httpwire

// Character classes from cobra/http/util.cc and parse.cc, ported
// byte-for-byte (HTTP/1.1 is specified over US-ASCII octets).

func isAlnum(ch byte) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isUnreserved(ch byte) bool {
	return isAlnum(ch) || ch == '-' || ch == '.' || ch == '_' || ch == '~'
}

func isDelim(ch byte) bool {
	switch ch {
	case '!', '$', '&', '\'', '*', '+':
		return true
	}
	return false
}

func isURISegment(ch byte) bool {
	switch ch {
	case '@', ',', '(', ')', ':', ';', '=':
		return true
	}
	return isUnreserved(ch) || isDelim(ch)
}

func isURIQuery(ch byte) bool {
	return isURISegment(ch) || ch == '/' || ch == '?'
}

func isHTTPToken(ch byte) bool {
	switch ch {
	case '#', '%', '^', '`', '|':
		return true
	}
	return isUnreserved(ch) || isDelim(ch)
}

func isHTTPWS(ch byte) bool { return ch == ' ' || ch == '\t' }

func isHTTPCtl(ch byte) bool { return ch < 32 || ch == 127 }

func isHTTPURI(ch byte) bool { return isURIQuery(ch) || ch == '%' }

func isHTTPReason(ch byte) bool { return isHTTPWS(ch) || !isHTTPCtl(ch) }

func isCGIValue(ch byte) bool { return (!isHTTPCtl(ch)) || ch == '\t' }
