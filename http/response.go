package http

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	ContentTypeText   = "text/plain"
	ContentTypeBinary = "application/octet-stream"
)

type ResponseHeader struct {
	Key   string
	Value string
}

// Response is written straight to the connection once the handler returns.
// Content-Length and Connection are always computed by WriteTo.
type Response struct {
	Status  uint16
	Headers []ResponseHeader
	Body    []byte

	// Stream, when set, replaces Body and must yield exactly StreamLength bytes.
	Stream       io.Reader
	StreamLength int64

	Close bool
}

func (res *Response) Reset() {
	res.Status = StatusOK
	res.Headers = res.Headers[:0]
	res.Body = nil
	res.Stream = nil
	res.StreamLength = 0
	res.Close = false
}

// SetHeader replaces any header with the same case-insensitive key.
func (res *Response) SetHeader(key, value string) {
	for i := range res.Headers {
		if strings.EqualFold(res.Headers[i].Key, key) {
			res.Headers[i].Value = value
			return
		}
	}
	res.Headers = append(res.Headers, ResponseHeader{Key: key, Value: value})
}

func (res *Response) AddHeader(key, value string) {
	res.Headers = append(res.Headers, ResponseHeader{Key: key, Value: value})
}

func (res *Response) HeaderValue(key string) (string, bool) {
	for i := len(res.Headers) - 1; i >= 0; i-- {
		if strings.EqualFold(res.Headers[i].Key, key) {
			return res.Headers[i].Value, true
		}
	}
	return "", false
}

func (res *Response) WithStatus(status uint16) *Response {
	res.Status = status
	return res
}

func (res *Response) WithText(payload string) *Response {
	res.SetHeader("Content-Type", ContentTypeText)
	res.Body = []byte(payload)
	return res
}

func (res *Response) WithBody(contentType string, body []byte) *Response {
	if contentType != "" {
		res.SetHeader("Content-Type", contentType)
	}
	res.Body = body
	return res
}

func (res *Response) WithStream(contentType string, stream io.Reader, length int64) *Response {
	if contentType != "" {
		res.SetHeader("Content-Type", contentType)
	}
	res.Body = nil
	res.Stream = stream
	res.StreamLength = length
	return res
}

// WriteTo serialises the response and flushes bw.
func (res *Response) WriteTo(bw *bufio.Writer) error {
	status := res.Status
	if status == 0 {
		status = StatusOK
	}

	bw.WriteString("HTTP/1.1 ")
	bw.WriteString(strconv.Itoa(int(status)))
	bw.WriteByte(' ')
	bw.WriteString(StatusText(status))
	bw.WriteString("\r\n")

	for _, h := range res.Headers {
		if strings.EqualFold(h.Key, "Content-Length") || strings.EqualFold(h.Key, "Connection") ||
			strings.EqualFold(h.Key, "Transfer-Encoding") {
			continue
		}
		bw.WriteString(h.Key)
		bw.WriteString(": ")
		bw.WriteString(h.Value)
		bw.WriteString("\r\n")
	}

	length := int64(len(res.Body))
	if res.Stream != nil {
		length = res.StreamLength
	}
	bw.WriteString("Content-Length: ")
	bw.WriteString(strconv.FormatInt(length, 10))
	bw.WriteString("\r\n")

	if res.Close {
		bw.WriteString("Connection: close\r\n")
	} else {
		bw.WriteString("Connection: keep-alive\r\n")
	}
	bw.WriteString("\r\n")

	if res.Stream != nil {
		n, err := io.CopyN(bw, res.Stream, length)
		if err != nil {
			return fmt.Errorf("http: streamed %d of %d body bytes: %w", n, length, err)
		}
	} else if _, err := bw.Write(res.Body); err != nil {
		return err
	}

	return bw.Flush()
}
