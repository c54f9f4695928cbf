package http

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

const HeaderRequestID = "X-Request-Id"

// RequestCtx carries one request through the handler chain. It is owned by a
// single worker for the duration of one dispatch.
type RequestCtx struct {
	Context    context.Context
	Logger     *slog.Logger
	RemoteAddr string
	RequestID  string

	Request  *Request
	Response Response

	deferred []func()
}

func (reqCtx *RequestCtx) Reset(ctx context.Context, req *Request) {
	reqCtx.Context = ctx
	reqCtx.Request = req
	reqCtx.RequestID = ""
	reqCtx.Response.Reset()
	reqCtx.deferred = reqCtx.deferred[:0]
}

// AssignRequestID gives the request an id unless it already has one and tags
// the response with it.
func (reqCtx *RequestCtx) AssignRequestID() {
	if reqCtx.RequestID == "" {
		reqCtx.RequestID = uuid.NewString()
	}
	reqCtx.Response.SetHeader(HeaderRequestID, reqCtx.RequestID)
}

// Fail answers with status and marks the connection for closing. The request
// id header survives the reset.
func (reqCtx *RequestCtx) Fail(status uint16) {
	reqCtx.Response.Reset()
	reqCtx.Response.Status = status
	reqCtx.Response.Close = true
	if reqCtx.RequestID != "" {
		reqCtx.Response.SetHeader(HeaderRequestID, reqCtx.RequestID)
	}
}

// Deferred registers fn to run once the response has been written, e.g. to
// close a streamed file.
func (reqCtx *RequestCtx) Deferred(fn func()) {
	reqCtx.deferred = append(reqCtx.deferred, fn)
}

// Finish runs the deferred functions in reverse registration order.
func (reqCtx *RequestCtx) Finish() {
	for i := len(reqCtx.deferred) - 1; i >= 0; i-- {
		reqCtx.deferred[i]()
	}
	reqCtx.deferred = reqCtx.deferred[:0]
}

func (reqCtx *RequestCtx) log() *slog.Logger {
	if reqCtx.Logger == nil {
		return slog.Default()
	}
	return reqCtx.Logger
}
