package http

import (
	"errors"
	"math"
)

var (
	errInvalidNumber  = errors.New("invalid number")
	errNumberOverflow = errors.New("number out of range")
)

func atoi(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, errInvalidNumber
	}

	var n int
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, errInvalidNumber
		}
		d := int(c - '0')
		if n > (math.MaxInt-d)/10 {
			return 0, errNumberOverflow
		}
		n = n*10 + d
	}
	return n, nil
}

// trimSpace strips optional whitespace around a header value.
func trimSpace(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}
