package http

import "bytes"

type Route struct {
	Methods []Method
	Path    string
	Prefix  bool
	Handler Handler
}

func (route *Route) matches(req *Request) bool {
	if route.Prefix {
		if !bytes.HasPrefix(req.Path, []byte(route.Path)) {
			return false
		}
	} else if string(req.Path) != route.Path {
		return false
	}

	if len(route.Methods) == 0 {
		return true
	}
	for _, method := range route.Methods {
		if method == req.Method {
			return true
		}
	}
	return false
}

var NotFoundHandler Handler = func(ctx *RequestCtx) {
	ctx.Response.WithStatus(StatusNotFound)
}
