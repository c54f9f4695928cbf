package http

import (
	"bytes"
	"errors"
	"fmt"
)

// Request is decoded from a connection buffer. Path, header and body slices
// alias that buffer and are only valid until the connection consumes it.
type Request struct {
	Method  Method
	Path    []byte
	Headers []Header
	Body    []byte

	ContentLength  int
	CloseRequested bool
}

func (req *Request) Reset() {
	req.Method = MethodUnknown
	req.Path = nil
	req.Headers = req.Headers[:0]
	req.Body = nil
	req.ContentLength = 0
	req.CloseRequested = false
}

// HeaderValue looks a header up case-insensitively. With duplicates the last
// one wins.
func (req *Request) HeaderValue(name []byte) ([]byte, bool) {
	for i := len(req.Headers) - 1; i >= 0; i-- {
		if bytes.EqualFold(req.Headers[i].Key, name) {
			return req.Headers[i].Value, true
		}
	}
	return nil, false
}

// Decode returns a freshly decoded request, see Request.Decode.
func Decode(raw []byte) (Request, int, error) {
	var req Request
	n, err := req.Decode(raw)
	return req, n, err
}

// Decode parses one request from the front of raw without modifying it. It
// returns the bytes the request occupies, ErrIncomplete when more input is
// needed, or an error wrapping ErrMalformed.
func (req *Request) Decode(raw []byte) (int, error) {
	req.Reset()

	sp := bytes.IndexByte(raw, ' ')
	if sp == -1 {
		if len(raw) > maxMethodLen || bytes.Contains(raw, crlf) {
			return 0, fmt.Errorf("%w: no method in request line", ErrMalformed)
		}
		return 0, ErrIncomplete
	}

	req.Method = parseMethod(raw[:sp])
	if req.Method == MethodUnknown {
		return 0, fmt.Errorf("%w: unknown method %q", ErrMalformed, raw[:sp])
	}
	crs := sp + 1

	eol := bytes.Index(raw[crs:], crlf)
	if eol == -1 {
		return 0, ErrIncomplete
	}

	// the protocol version and anything after it is ignored
	line := raw[crs : crs+eol]
	if sp := bytes.IndexByte(line, ' '); sp != -1 {
		line = line[:sp]
	}
	if len(line) == 0 {
		return 0, fmt.Errorf("%w: empty path", ErrMalformed)
	}
	req.Path = line
	crs += eol + 2

	for {
		eol := bytes.Index(raw[crs:], crlf)
		if eol == -1 {
			return 0, ErrIncomplete
		}
		if eol == 0 {
			crs += 2
			break
		}
		if len(req.Headers) == MaxHeaders {
			return 0, fmt.Errorf("%w: more than %d headers", ErrMalformed, MaxHeaders)
		}

		line := raw[crs : crs+eol]
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return 0, fmt.Errorf("%w: header line %q", ErrMalformed, line)
		}

		key, value := line[:colon], line[colon+1:]
		if len(value) > 0 && value[0] == ' ' {
			value = value[1:]
		}
		req.Headers = append(req.Headers, Header{Key: key, Value: value})

		crs += eol + 2
	}

	if v, found := req.HeaderValue(headerContentLength); found {
		n, err := atoi(trimSpace(v))
		if errors.Is(err, errNumberOverflow) {
			return 0, fmt.Errorf("%w: content length %q out of range", ErrMalformed, v)
		}
		if err == nil && n > 0 {
			req.ContentLength = n
		}
	}
	// any close token wins over keep-alive
	for _, header := range req.Headers {
		if bytes.EqualFold(header.Key, headerConnection) && bytes.EqualFold(trimSpace(header.Value), headerClose) {
			req.CloseRequested = true
			break
		}
	}

	if req.ContentLength > 0 {
		if len(raw)-crs < req.ContentLength {
			return 0, ErrIncomplete
		}
		req.Body = raw[crs : crs+req.ContentLength]
		crs += req.ContentLength
	}

	return crs, nil
}
