package http

import "errors"

const (
	// MaxHeaders bounds the header lines accepted in one request.
	MaxHeaders = 128

	maxMethodLen = 6 // DELETE
)

var (
	ErrIncomplete = errors.New("http: incomplete request")
	ErrMalformed  = errors.New("http: malformed request")
)

type Method uint8

const (
	MethodUnknown Method = iota
	MethodGet
	MethodPost
	MethodPut
	MethodPatch
	MethodDelete
)

var knownMethods = [...]struct {
	name   string
	method Method
}{
	{"GET", MethodGet},
	{"POST", MethodPost},
	{"PUT", MethodPut},
	{"PATCH", MethodPatch},
	{"DELETE", MethodDelete},
}

func (method Method) String() string {
	for _, known := range knownMethods {
		if known.method == method {
			return known.name
		}
	}
	return "UNKNOWN"
}

// parseMethod matches the token exactly; method names are case-sensitive.
func parseMethod(token []byte) Method {
	for _, known := range knownMethods {
		if string(token) == known.name {
			return known.method
		}
	}
	return MethodUnknown
}

var (
	crlf = []byte("\r\n")

	headerContentLength = []byte("content-length")
	headerConnection    = []byte("connection")
	headerClose         = []byte("close")
	headerUserAgent     = []byte("user-agent")
)

type Header struct {
	Key   []byte
	Value []byte
}
