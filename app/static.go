package app

import (
	"context"
	"fmt"
	"strconv"
)

type static struct {
	reply Reply
}

// NewStatic answers every call with the same configured reply. Options:
// status (200), content_type (text/plain), body.
func NewStatic(name string, options map[string]string) (Application, error) {
	status := 200
	if v, found := options["status"]; found {
		n, err := strconv.Atoi(v)
		if err != nil || n < 100 || n > 999 {
			return nil, fmt.Errorf("%w: status %q", ErrMisconfig, v)
		}
		status = n
	}

	contentType := "text/plain"
	if v, found := options["content_type"]; found {
		contentType = v
	}

	return &static{
		reply: Reply{
			Status:  status,
			Headers: []Header{{Key: "Content-Type", Value: contentType}},
			Body:    []byte(options["body"]),
		},
	}, nil
}

func (app *static) Invoke(ctx context.Context, call Call) (Reply, error) {
	return app.reply, nil
}
