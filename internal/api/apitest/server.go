// Package apitest runs an in-process stand-in for the recognition service.
package apitest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

// Upload is one image received by the add endpoint
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Request records one call to an api endpoint
type Request struct {
	Path        string
	ContentType string
	RequestID   string
	Name        string
	Image       *Upload
	DataURL     string
}

// Server is a fake recognition service. Handlers can be overridden per path
// with Handle; otherwise it keeps an in-memory roster like the real service.
type Server struct {
	*httptest.Server

	Password string
	// RequireLogin makes admin endpoints answer 401 without a session cookie
	RequireLogin bool
	// VerifyResponse is written by the default verify handler
	VerifyResponse string

	mu        sync.Mutex
	roster    map[string]bool
	requests  []Request
	overrides map[string]http.HandlerFunc
	gate      chan struct{}
}

// New starts a fake service and registers its shutdown with t.Cleanup
func New(t *testing.T, students ...string) *Server {
	t.Helper()

	s := &Server{
		Password:       "admin",
		VerifyResponse: `{"match":false,"name":"Unknown","distance":0.71}`,
		roster:         make(map[string]bool),
		overrides:      make(map[string]http.HandlerFunc),
	}
	for _, name := range students {
		s.roster[name] = true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/admin/login", s.login)
	mux.HandleFunc("/admin/dashboard", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>dashboard</html>"))
	})
	mux.HandleFunc("/api/admin/add_student", s.route(s.addStudent))
	mux.HandleFunc("/api/admin/remove_student", s.route(s.removeStudent))
	mux.HandleFunc("/api/verify", s.route(s.verify))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Handle replaces the handler for path
func (s *Server) Handle(path string, fn http.HandlerFunc) {
	s.mu.Lock()
	s.overrides[path] = fn
	s.mu.Unlock()
}

// Respond makes path answer with status and body
func (s *Server) Respond(path string, status int, body string) {
	s.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	})
}

// Hold blocks every api request until the returned release func is called
func (s *Server) Hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Requests returns a copy of the recorded api calls
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Roster returns the enrolled names in order
func (s *Server) Roster() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rosterLocked()
}

func (s *Server) rosterLocked() []string {
	names := make([]string, 0, len(s.roster))
	for name := range s.roster {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) route(fallback http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		rec := s.record(r)

		s.mu.Lock()
		s.requests = append(s.requests, rec)
		override := s.overrides[r.URL.Path]
		gate := s.gate
		s.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}

		if override != nil {
			override(w, r)
			return
		}
		fallback(w, r)
	}
}

func (s *Server) record(r *http.Request) Request {
	rec := Request{
		Path:        r.URL.Path,
		ContentType: r.Header.Get("Content-Type"),
		RequestID:   r.Header.Get("X-Request-ID"),
	}

	if strings.HasPrefix(rec.ContentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(8 << 20); err == nil {
			rec.Name = r.FormValue("name")
			if file, header, err := r.FormFile("image"); err == nil {
				data, _ := io.ReadAll(file)
				file.Close()
				rec.Image = &Upload{
					Filename:    header.Filename,
					ContentType: header.Header.Get("Content-Type"),
					Data:        data,
				}
			}
		}
		return rec
	}

	var payload struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err == nil {
		rec.DataURL = payload.Image
	}
	return rec
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if r.FormValue("password") != s.Password {
		w.Write([]byte("<html>Invalid password</html>"))
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "session", Value: "admin", Path: "/"})
	http.Redirect(w, r, "/admin/dashboard", http.StatusFound)
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if !s.RequireLogin {
		return true
	}
	if c, err := r.Cookie("session"); err == nil && c.Value == "admin" {
		return true
	}
	writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
	return false
}

func (s *Server) addStudent(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "name required"})
		return
	}

	s.mu.Lock()
	s.roster[name] = true
	students := s.rosterLocked()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "students": students})
}

func (s *Server) removeStudent(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	name := r.FormValue("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "name required"})
		return
	}

	s.mu.Lock()
	removed := s.roster[name]
	delete(s.roster, name)
	students := s.rosterLocked()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": removed, "students": students})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	body := s.VerifyResponse
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
