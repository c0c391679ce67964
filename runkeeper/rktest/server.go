// Package rktest provides an in-memory Runkeeper API for tests.
package rktest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Server answers GET requests with canned bodies keyed by request URI
// (path plus query).
type Server struct {
	*httptest.Server

	token string

	mu       sync.Mutex
	routes   map[string]string
	hits     map[string]int
	failures map[string]int
}

// NewServer starts a server that accepts only the bearer token given.
func NewServer(t testing.TB, token string) *Server {
	s := &Server{
		token:    token,
		routes:   map[string]string{},
		hits:     map[string]int{},
		failures: map[string]int{},
	}
	s.Server = httptest.NewServer(s)
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Handle(uri, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[uri] = body
}

// Fail makes the next n requests to uri answer 503.
func (s *Server) Fail(uri string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[uri] = n
}

func (s *Server) Hits(uri string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[uri]
}

// AllHits returns a copy of the request count per URI.
func (s *Server) AllHits() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.hits))
	for k, v := range s.hits {
		out[k] = v
	}
	return out
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uri := r.URL.RequestURI()
	s.hits[uri]++

	if r.Header.Get("Authorization") != "Bearer "+s.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if s.failures[uri] > 0 {
		s.failures[uri]--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	body, ok := s.routes[uri]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}
