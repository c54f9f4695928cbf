package http

const (
	StatusOK        uint16 = 200
	StatusCreated   uint16 = 201
	StatusAccepted  uint16 = 202
	StatusNoContent uint16 = 204

	StatusMovedPermanently uint16 = 301
	StatusFound            uint16 = 302
	StatusNotModified      uint16 = 304

	StatusBadRequest            uint16 = 400
	StatusUnauthorized          uint16 = 401
	StatusForbidden             uint16 = 403
	StatusNotFound              uint16 = 404
	StatusMethodNotAllowed      uint16 = 405
	StatusRequestTimeout        uint16 = 408
	StatusConflict              uint16 = 409
	StatusLengthRequired        uint16 = 411
	StatusRequestEntityTooLarge uint16 = 413
	StatusURITooLong            uint16 = 414

	StatusInternalServerError uint16 = 500
	StatusNotImplemented      uint16 = 501
	StatusBadGateway          uint16 = 502
	StatusServiceUnavailable  uint16 = 503
	StatusGatewayTimeout      uint16 = 504
)

var statusMessages = map[uint16]string{
	StatusOK:        "OK",
	StatusCreated:   "Created",
	StatusAccepted:  "Accepted",
	StatusNoContent: "No Content",

	StatusMovedPermanently: "Moved Permanently",
	StatusFound:            "Found",
	StatusNotModified:      "Not Modified",

	StatusBadRequest:            "Bad Request",
	StatusUnauthorized:          "Unauthorized",
	StatusForbidden:             "Forbidden",
	StatusNotFound:              "Not Found",
	StatusMethodNotAllowed:      "Method Not Allowed",
	StatusRequestTimeout:        "Request Timeout",
	StatusConflict:              "Conflict",
	StatusLengthRequired:        "Length Required",
	StatusRequestEntityTooLarge: "Request Entity Too Large",
	StatusURITooLong:            "URI Too Long",

	StatusInternalServerError: "Internal Server Error",
	StatusNotImplemented:      "Not Implemented",
	StatusBadGateway:          "Bad Gateway",
	StatusServiceUnavailable:  "Service Unavailable",
	StatusGatewayTimeout:      "Gateway Timeout",
}

// StatusText returns the reason phrase for code. Codes relayed from
// applications may be missing from the table and get a generic phrase.
func StatusText(code uint16) string {
	if msg, found := statusMessages[code]; found {
		return msg
	}

	switch {
	case code >= 100 && code < 200:
		return "Informational"
	case code >= 200 && code < 300:
		return "Success"
	case code >= 300 && code < 400:
		return "Redirection"
	case code >= 400 && code < 500:
		return "Client Error"
	default:
		return "Server Error"
	}
}
