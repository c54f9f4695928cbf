package http

import (
	"bytes"
	"errors"
	"strings"

	"github.com/freekieb7/ember/app"
	"github.com/freekieb7/ember/filesystem"
)

const (
	EchoPrefix  = "/echo/"
	FilesPrefix = "/files/"
)

var RootHandler Handler = func(ctx *RequestCtx) {
	ctx.Response.WithStatus(StatusOK)
}

var UserAgentHandler Handler = func(ctx *RequestCtx) {
	agent, found := ctx.Request.HeaderValue(headerUserAgent)
	if !found {
		ctx.Response.WithText("NULL")
		return
	}
	ctx.Response.WithBody(ContentTypeText, agent)
}

var EchoHandler Handler = func(ctx *RequestCtx) {
	ctx.Response.WithBody(ContentTypeText, bytes.TrimPrefix(ctx.Request.Path, []byte(EchoPrefix)))
}

// Files serves GET and accepts uploads below the static root. Root is read per
// request so a reloaded static_root applies to the next request.
type Files struct {
	FS   filesystem.Filesystem
	Root func() string
}

func (files *Files) name(ctx *RequestCtx) string {
	return string(bytes.TrimPrefix(ctx.Request.Path, []byte(FilesPrefix)))
}

func (files *Files) Get(ctx *RequestCtx) {
	file, size, err := files.FS.OpenFile(files.Root(), files.name(ctx))
	if err != nil {
		files.fail(ctx, err)
		return
	}

	ctx.Response.WithStream(ContentTypeBinary, file, size)
	ctx.Deferred(func() {
		if err := file.Close(); err != nil {
			ctx.log().Warn("closing static file", "error", err)
		}
	})
}

func (files *Files) Create(ctx *RequestCtx) {
	if err := files.FS.CreateFile(files.Root(), files.name(ctx), ctx.Request.Body); err != nil {
		files.fail(ctx, err)
		return
	}

	ctx.Response.WithStatus(StatusCreated)
}

func (files *Files) fail(ctx *RequestCtx, err error) {
	switch {
	case errors.Is(err, filesystem.ErrInvalidPath):
		ctx.log().Warn("rejected static path", "path", string(ctx.Request.Path), "request_id", ctx.RequestID)
		ctx.Fail(StatusBadRequest)
	case errors.Is(err, filesystem.ErrFileNotFound):
		ctx.Response.WithStatus(StatusNotFound)
	case errors.Is(err, filesystem.ErrFileAlreadyExists):
		ctx.Response.WithStatus(StatusConflict)
	default:
		ctx.log().Error("static file error", "path", string(ctx.Request.Path), "error", err, "request_id", ctx.RequestID)
		ctx.Fail(StatusInternalServerError)
	}
}

// ApplicationHandler forwards to the application bound to the longest
// matching prefix, or falls through to next.
func ApplicationHandler(registry *app.Registry, next Handler) Handler {
	return func(ctx *RequestCtx) {
		path := string(ctx.Request.Path)

		binding, found := registry.Resolve(path)
		if !found {
			next(ctx)
			return
		}

		call := app.Call{
			Method:     ctx.Request.Method.String(),
			Path:       path,
			Prefix:     binding.Prefix,
			Headers:    make([]app.Header, 0, len(ctx.Request.Headers)),
			Body:       ctx.Request.Body,
			RemoteAddr: ctx.RemoteAddr,
		}
		for _, h := range ctx.Request.Headers {
			call.Headers = append(call.Headers, app.Header{Key: string(h.Key), Value: string(h.Value)})
		}

		reply, err := binding.Application.Invoke(ctx.Context, call)
		if err != nil {
			ctx.log().Error("application failed",
				"app", binding.Name,
				"path", path,
				"error", err,
				"request_id", ctx.RequestID,
			)
			ctx.Response.WithStatus(StatusInternalServerError)
			return
		}

		if reply.Status < 100 || reply.Status > 999 {
			ctx.log().Error("application returned invalid status", "app", binding.Name, "status", reply.Status)
			ctx.Response.WithStatus(StatusInternalServerError)
			return
		}

		ctx.Response.WithStatus(uint16(reply.Status))
		for _, h := range reply.Headers {
			if strings.EqualFold(h.Key, "Content-Length") || strings.EqualFold(h.Key, "Connection") {
				continue
			}
			ctx.Response.AddHeader(h.Key, h.Value)
		}
		ctx.Response.Body = reply.Body
	}
}

// NewDispatcher wires the built-in routes in their fixed order, then the
// applications, then 404.
func NewDispatcher(files *Files, registry *app.Registry) Router {
	router := NewRouter()

	router.Any("/", RootHandler)
	router.Any("/user-agent", UserAgentHandler)
	router.Prefix(nil, EchoPrefix, EchoHandler)
	router.Prefix([]Method{MethodGet}, FilesPrefix, files.Get)
	router.Prefix([]Method{MethodPost, MethodPut}, FilesPrefix, files.Create)

	router.Fallback = ApplicationHandler(registry, NotFoundHandler)
	router.Use(RecoverMiddleware(), RequestIDMiddleware(), TelemetryMiddleware())

	return router
}
