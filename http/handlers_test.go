package http

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/freekieb7/ember/app"
	"github.com/freekieb7/ember/filesystem"
	"github.com/freekieb7/ember/test"
)

type appFunc func(ctx context.Context, call app.Call) (app.Reply, error)

func (fn appFunc) Invoke(ctx context.Context, call app.Call) (app.Reply, error) {
	return fn(ctx, call)
}

type dispatcherFixture struct {
	root     string
	registry *app.Registry
	handler  Handler
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()

	root := t.TempDir()
	registry, err := app.NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	fixture := &dispatcherFixture{root: root, registry: registry}
	files := &Files{
		FS:   filesystem.NewLocalFileSystem(),
		Root: func() string { return fixture.root },
	}
	router := NewDispatcher(files, registry)
	fixture.handler = router.Handler()
	return fixture
}

func (fixture *dispatcherFixture) dispatch(t *testing.T, raw string) *RequestCtx {
	t.Helper()

	req, _, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	reqCtx := &RequestCtx{RemoteAddr: "127.0.0.1:5000"}
	reqCtx.Reset(context.Background(), &req)
	fixture.handler(reqCtx)
	t.Cleanup(reqCtx.Finish)
	return reqCtx
}

func TestDispatchRoot(t *testing.T) {
	fixture := newDispatcherFixture(t)

	ctx := fixture.dispatch(t, "GET / HTTP/1.1\r\n\r\n")
	test.AssertEqual(t, StatusOK, ctx.Response.Status)
	test.AssertEqual(t, 0, len(ctx.Response.Body))

	id, found := ctx.Response.HeaderValue(HeaderRequestID)
	test.AssertTrue(t, found && id != "", "request id header set")
	test.AssertEqual(t, ctx.RequestID, id)
}

func TestDispatchEcho(t *testing.T) {
	fixture := newDispatcherFixture(t)

	ctx := fixture.dispatch(t, "GET /echo/hello HTTP/1.1\r\n\r\n")
	test.AssertEqual(t, StatusOK, ctx.Response.Status)
	test.AssertEqual(t, "hello", string(ctx.Response.Body))
	ct, _ := ctx.Response.HeaderValue("Content-Type")
	test.AssertEqual(t, ContentTypeText, ct)

	ctx = fixture.dispatch(t, "POST /echo/ HTTP/1.1\r\n\r\n")
	test.AssertEqual(t, StatusOK, ctx.Response.Status)
	test.AssertEqual(t, "", string(ctx.Response.Body))
}

func TestDispatchUserAgent(t *testing.T) {
	fixture := newDispatcherFixture(t)

	ctx := fixture.dispatch(t, "GET /user-agent HTTP/1.1\r\nUser-Agent: curl/8.0\r\n\r\n")
	test.AssertEqual(t, "curl/8.0", string(ctx.Response.Body))

	ctx = fixture.dispatch(t, "GET /user-agent HTTP/1.1\r\n\r\n")
	test.AssertEqual(t, "NULL", string(ctx.Response.Body))
}

func TestDispatchNotFound(t *testing.T) {
	fixture := newDispatcherFixture(t)

	ctx := fixture.dispatch(t, "GET /nothing-here HTTP/1.1\r\n\r\n")
	test.AssertEqual(t, StatusNotFound, ctx.Response.Status)
	test.AssertTrue(t, !ctx.Response.Close, "404 keeps the connection")
}

func TestDispatchFiles(t *testing.T) {
	fixture := newDispatcherFixture(t)

	ctx := fixture.dispatch(t, "POST /files/notes/a.txt HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello")
	test.AssertEqual(t, StatusCreated, ctx.Response.Status)

	content, err := os.ReadFile(filepath.Join(fixture.root, "notes", "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	test.AssertEqual(t, "hello", string(content))

	ctx = fixture.dispatch(t, "PUT /files/notes/a.txt HTTP/1.1\r\nContent-Length: 3\r\n\r\nbye")
	test.AssertEqual(t, StatusConflict, ctx.Response.Status)

	ctx = fixture.dispatch(t, "GET /files/notes/a.txt HTTP/1.1\r\n\r\n")
	test.AssertEqual(t, StatusOK, ctx.Response.Status)
	test.AssertEqual(t, int64(5), ctx.Response.StreamLength)
	ct, _ := ctx.Response.HeaderValue("Content-Type")
	test.AssertEqual(t, ContentTypeBinary, ct)

	body, err := io.ReadAll(ctx.Response.Stream)
	if err != nil {
		t.Fatalf("reading stream failed: %v", err)
	}
	test.AssertEqual(t, "hello", string(body))

	ctx = fixture.dispatch(t, "GET /files/missing.txt HTTP/1.1\r\n\r\n")
	test.AssertEqual(t, StatusNotFound, ctx.Response.Status)
}

func TestDispatchFilesRootFollowsReload(t *testing.T) {
	fixture := newDispatcherFixture(t)

	second := t.TempDir()
	if err := os.WriteFile(filepath.Join(second, "b.txt"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := fixture.dispatch(t, "GET /files/b.txt HTTP/1.1\r\n\r\n")
	test.AssertEqual(t, StatusNotFound, ctx.Response.Status)

	fixture.root = second
	ctx = fixture.dispatch(t, "GET /files/b.txt HTTP/1.1\r\n\r\n")
	test.AssertEqual(t, StatusOK, ctx.Response.Status)
}

func TestDispatchFilesTraversal(t *testing.T) {
	fixture := newDispatcherFixture(t)

	for _, raw := range []string{
		"GET /files/../secret HTTP/1.1\r\n\r\n",
		"GET /files/a/../../secret HTTP/1.1\r\n\r\n",
		"POST /files/../escape.txt HTTP/1.1\r\nContent-Length: 1\r\n\r\nx",
	} {
		ctx := fixture.dispatch(t, raw)
		test.AssertEqual(t, StatusBadRequest, ctx.Response.Status)
		test.AssertTrue(t, ctx.Response.Close, "traversal closes the connection")
	}

	if _, err := os.Stat(filepath.Join(filepath.Dir(fixture.root), "escape.txt")); !os.IsNotExist(err) {
		t.Errorf("traversal upload escaped the root: %v", err)
	}
}

func TestDispatchApplication(t *testing.T) {
	fixture := newDispatcherFixture(t)

	var seen app.Call
	fixture.registry.Bind("api", "/api/", appFunc(func(ctx context.Context, call app.Call) (app.Reply, error) {
		seen = call
		return app.Reply{
			Status: 202,
			Headers: []app.Header{
				{Key: "X-App", Value: "api"},
				{Key: "Content-Length", Value: "1000"},
			},
			Body: []byte("queued"),
		}, nil
	}))
	fixture.registry.Bind("v2", "/api/v2/", appFunc(func(ctx context.Context, call app.Call) (app.Reply, error) {
		return app.Reply{Status: 200, Body: []byte("v2")}, nil
	}))

	ctx := fixture.dispatch(t, "POST /api/jobs HTTP/1.1\r\nX-Token: t\r\nContent-Length: 4\r\n\r\ndata")
	test.AssertEqual(t, uint16(202), ctx.Response.Status)
	test.AssertEqual(t, "queued", string(ctx.Response.Body))
	v, _ := ctx.Response.HeaderValue("X-App")
	test.AssertEqual(t, "api", v)
	_, found := ctx.Response.HeaderValue("Content-Length")
	test.AssertTrue(t, !found, "application Content-Length is not relayed")

	test.AssertEqual(t, "POST", seen.Method)
	test.AssertEqual(t, "/api/jobs", seen.Path)
	test.AssertEqual(t, "/api/", seen.Prefix)
	test.AssertEqual(t, "data", string(seen.Body))
	test.AssertEqual(t, "127.0.0.1:5000", seen.RemoteAddr)

	ctx = fixture.dispatch(t, "GET /api/v2/users HTTP/1.1\r\n\r\n")
	test.AssertEqual(t, "v2", string(ctx.Response.Body))
}

func TestDispatchBuiltinsWinOverApplications(t *testing.T) {
	fixture := newDispatcherFixture(t)
	fixture.registry.Bind("greedy", "/", appFunc(func(ctx context.Context, call app.Call) (app.Reply, error) {
		return app.Reply{Status: 418}, nil
	}))

	ctx := fixture.dispatch(t, "GET /echo/x HTTP/1.1\r\n\r\n")
	test.AssertEqual(t, "x", string(ctx.Response.Body))

	ctx = fixture.dispatch(t, "GET /elsewhere HTTP/1.1\r\n\r\n")
	test.AssertEqual(t, uint16(418), ctx.Response.Status)
}

func TestDispatchApplicationFailure(t *testing.T) {
	fixture := newDispatcherFixture(t)
	fixture.registry.Bind("broken", "/broken", appFunc(func(ctx context.Context, call app.Call) (app.Reply, error) {
		return app.Reply{}, errors.New("backend down")
	}))
	fixture.registry.Bind("bad-status", "/bad-status", appFunc(func(ctx context.Context, call app.Call) (app.Reply, error) {
		return app.Reply{Status: 42}, nil
	}))

	ctx := fixture.dispatch(t, "GET /broken HTTP/1.1\r\n\r\n")
	test.AssertEqual(t, StatusInternalServerError, ctx.Response.Status)
	test.AssertTrue(t, !ctx.Response.Close, "application errors keep the connection")

	ctx = fixture.dispatch(t, "GET /bad-status HTTP/1.1\r\n\r\n")
	test.AssertEqual(t, StatusInternalServerError, ctx.Response.Status)
}

func TestDispatchApplicationPanic(t *testing.T) {
	fixture := newDispatcherFixture(t)
	fixture.registry.Bind("panics", "/panic", appFunc(func(ctx context.Context, call app.Call) (app.Reply, error) {
		panic("boom")
	}))

	ctx := fixture.dispatch(t, "GET /panic HTTP/1.1\r\n\r\n")
	test.AssertEqual(t, StatusInternalServerError, ctx.Response.Status)
	test.AssertTrue(t, ctx.Response.Close, "panics close the connection")

	id, found := ctx.Response.HeaderValue(HeaderRequestID)
	test.AssertTrue(t, found, "panic response carries a request id")
	test.AssertEqual(t, ctx.RequestID, id)
}

func TestRequestCtxFailKeepsRequestID(t *testing.T) {
	var ctx RequestCtx
	ctx.Reset(context.Background(), &Request{})
	ctx.AssignRequestID()
	ctx.Response.SetHeader("X-Other", "dropped")

	ctx.Fail(StatusBadRequest)

	id, found := ctx.Response.HeaderValue(HeaderRequestID)
	test.AssertTrue(t, found && id != "", "request id survives Fail")
	_, found = ctx.Response.HeaderValue("X-Other")
	test.AssertTrue(t, !found, "other headers are cleared by Fail")
}

func TestRouterMiddlewareOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx *RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}

	router := NewRouter()
	router.Add([]Method{MethodGet}, "/x", false, func(ctx *RequestCtx) { order = append(order, "handler") }, tag("route"))
	router.Use(tag("first"), tag("second"))

	req, _, err := Decode([]byte("GET /x HTTP/1.1\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := &RequestCtx{}
	ctx.Reset(context.Background(), &req)
	router.Handler()(ctx)

	expected := []string{"first", "second", "route", "handler"}
	if test.AssertEqual(t, len(expected), len(order)) {
		for i := range expected {
			test.AssertEqual(t, expected[i], order[i])
		}
	}
}

func TestRouterMethodFilter(t *testing.T) {
	router := NewRouter()
	router.Add([]Method{MethodPost}, "/only-post", false, func(ctx *RequestCtx) { ctx.Response.WithStatus(StatusCreated) })

	req, _, err := Decode([]byte("GET /only-post HTTP/1.1\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := &RequestCtx{}
	ctx.Reset(context.Background(), &req)
	router.Handler()(ctx)

	test.AssertEqual(t, StatusNotFound, ctx.Response.Status)
}
