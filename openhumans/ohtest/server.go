// Package ohtest provides an in-memory Open Humans project API for tests.
package ohtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type File struct {
	ID       int
	Basename string
	Body     []byte
	Metadata map[string]interface{}
	complete bool
	member   string
}

// Server keeps files per project member. Tokens map an access token to the
// project member id it belongs to.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	tokens   map[string]string
	files    map[int]*File
	nextID   int
	calls    []string
	failures map[string]int

	// Refreshed is returned by the token endpoint.
	Refreshed string
}

func NewServer(t testing.TB) *Server {
	s := &Server{
		tokens:    map[string]string{},
		files:     map[int]*File{},
		nextID:    1,
		failures:  map[string]int{},
		Refreshed: "refreshed_oh_access_token",
	}
	s.Server = httptest.NewServer(s)
	t.Cleanup(s.Close)
	return s
}

// AddMember registers token as valid for memberID.
func (s *Server) AddMember(token, memberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = memberID
}

// Put stores a complete file directly, as if uploaded earlier.
func (s *Server) Put(memberID, basename string, body []byte, tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[s.nextID] = &File{
		ID:       s.nextID,
		Basename: basename,
		Body:     body,
		Metadata: map[string]interface{}{"tags": tags},
		complete: true,
		member:   memberID,
	}
	s.nextID++
}

// Fail makes the next n calls of op answer 500. Ops are "delete", "direct",
// "put", "complete" and "exchange".
func (s *Server) Fail(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = n
}

// Files returns the member's complete files sorted by basename.
func (s *Server) Files(memberID string) []File {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []File
	for _, f := range s.files {
		if f.member == memberID && f.complete {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Basename == out[j].Basename {
			return out[i].ID < out[j].ID
		}
		return out[i].Basename < out[j].Basename
	})
	return out
}

// Calls returns the log of mutating calls, e.g. "delete x.json".
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case r.URL.Path == "/oauth2/token/":
		s.token(w, r)
	case strings.HasPrefix(r.URL.Path, "/storage/"):
		s.put(w, r)
	case r.URL.Path == "/api/direct-sharing/project/exchange-member/":
		s.exchange(w, r)
	case r.URL.Path == "/api/direct-sharing/project/files/delete/":
		s.delete(w, r)
	case r.URL.Path == "/api/direct-sharing/project/files/upload/direct/":
		s.direct(w, r)
	case r.URL.Path == "/api/direct-sharing/project/files/upload/complete/":
		s.complete(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) failing(op string, w http.ResponseWriter) bool {
	if s.failures[op] > 0 {
		s.failures[op]--
		w.WriteHeader(http.StatusInternalServerError)
		return true
	}
	return false
}

func (s *Server) member(w http.ResponseWriter, r *http.Request) (string, bool) {
	member, ok := s.tokens[r.URL.Query().Get("access_token")]
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return "", false
	}
	if r.Method == http.MethodPost {
		if id := r.FormValue("project_member_id"); id != "" && id != member {
			w.WriteHeader(http.StatusForbidden)
			return "", false
		}
	}
	return member, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := r.BasicAuth(); !ok || r.FormValue("grant_type") != "refresh_token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.calls = append(s.calls, "refresh")
	writeJSON(w, map[string]interface{}{
		"access_token":  s.Refreshed,
		"refresh_token": "refreshed_oh_refresh_token",
		"expires_in":    36000,
	})
}

func (s *Server) exchange(w http.ResponseWriter, r *http.Request) {
	if s.failing("exchange", w) {
		return
	}
	member, ok := s.member(w, r)
	if !ok {
		return
	}

	data := []map[string]interface{}{}
	for _, f := range s.files {
		if f.member != member || !f.complete {
			continue
		}
		data = append(data, map[string]interface{}{
			"id":           f.ID,
			"basename":     f.Basename,
			"download_url": fmt.Sprintf("%s/storage/%d", s.URL, f.ID),
			"metadata":     f.Metadata,
		})
	}
	writeJSON(w, map[string]interface{}{
		"project_member_id": member,
		"data":              data,
	})
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	if s.failing("delete", w) {
		return
	}
	member, ok := s.member(w, r)
	if !ok {
		return
	}

	basename := r.FormValue("file_basename")
	s.calls = append(s.calls, "delete "+basename)
	for id, f := range s.files {
		if f.member == member && f.Basename == basename {
			delete(s.files, id)
		}
	}
	writeJSON(w, map[string]interface{}{"ids": []int{}})
}

func (s *Server) direct(w http.ResponseWriter, r *http.Request) {
	if s.failing("direct", w) {
		return
	}
	member, ok := s.member(w, r)
	if !ok {
		return
	}

	var metadata map[string]interface{}
	if err := json.Unmarshal([]byte(r.FormValue("metadata")), &metadata); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f := &File{
		ID:       s.nextID,
		Basename: r.FormValue("filename"),
		Metadata: metadata,
		member:   member,
	}
	s.files[f.ID] = f
	s.nextID++

	writeJSON(w, map[string]interface{}{
		"id":  f.ID,
		"url": fmt.Sprintf("%s/storage/%d", s.URL, f.ID),
	})
}

func (s *Server) put(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/storage/"))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	f, ok := s.files[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		w.Write(f.Body)
	case http.MethodPut:
		if s.failing("put", w) {
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.Body = body
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	if s.failing("complete", w) {
		return
	}
	if _, ok := s.member(w, r); !ok {
		return
	}

	id, err := strconv.Atoi(r.FormValue("file_id"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f, ok := s.files[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	f.complete = true
	s.calls = append(s.calls, "upload "+f.Basename)
	writeJSON(w, map[string]interface{}{"status": "ok"})
}
