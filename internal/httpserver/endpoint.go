package httpserver

import "net/http"

// route binds a handler to a method and chi pattern.
type route struct {
	Method  string
	Path    string
	Handler http.Handler
}

// endpoint is a named group of routes mounted together.
type endpoint interface {
	Name() string
	Routes() []route
}
