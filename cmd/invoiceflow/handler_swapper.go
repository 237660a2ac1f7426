package main

import (
	"net/http"
	"sync/atomic"
)

// handlerSwapper serves through a handler that can be replaced while the
// server runs. A SIGHUP that toggles the panel swaps in a rebuilt mux;
// requests already in flight finish on the old one.
type handlerSwapper struct {
	current atomic.Pointer[http.Handler]
}

func newHandlerSwapper(h http.Handler) *handlerSwapper {
	s := &handlerSwapper{}
	s.Swap(h)
	return s
}

func (s *handlerSwapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load()).ServeHTTP(w, r)
}

func (s *handlerSwapper) Swap(h http.Handler) {
	s.current.Store(&h)
}
