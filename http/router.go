package http

type Handler func(ctx *RequestCtx)

// Router tries its routes in registration order; the first match wins. A
// request nothing matches goes to Fallback.
type Router struct {
	Routes     []Route
	Middleware []Middleware
	Fallback   Handler
}

func NewRouter() Router {
	return Router{
		Routes:   make([]Route, 0),
		Fallback: NotFoundHandler,
	}
}

func (router *Router) Any(path string, handler Handler, middleware ...Middleware) {
	router.Add(nil, path, false, handler, middleware...)
}

// Prefix registers handler for every path starting with prefix.
func (router *Router) Prefix(methods []Method, prefix string, handler Handler, middleware ...Middleware) {
	router.Add(methods, prefix, true, handler, middleware...)
}

func (router *Router) Add(methods []Method, path string, prefix bool, handler Handler, middleware ...Middleware) {
	for _, middleware := range middleware {
		handler = middleware(handler)
	}

	router.Routes = append(router.Routes, Route{
		Methods: methods,
		Path:    path,
		Prefix:  prefix,
		Handler: handler,
	})
}

// Use wraps every route, including the fallback, in middleware.
func (router *Router) Use(middleware ...Middleware) {
	router.Middleware = append(router.Middleware, middleware...)
}

func (router *Router) Handler() Handler {
	routes := make([]Route, len(router.Routes))
	copy(routes, router.Routes)

	fallback := router.Fallback
	if fallback == nil {
		fallback = NotFoundHandler
	}

	var handler Handler = func(ctx *RequestCtx) {
		for i := range routes {
			if routes[i].matches(ctx.Request) {
				routes[i].Handler(ctx)
				return
			}
		}

		fallback(ctx)
	}

	for i := len(router.Middleware) - 1; i >= 0; i-- {
		handler = router.Middleware[i](handler)
	}
	return handler
}
