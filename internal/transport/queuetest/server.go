// Package queuetest provides an in-process queue REST service for tests
// and examples.
package queuetest

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Item is an inbox entry.
type Item struct {
	ID         string
	From       string
	Data       []byte
	ReceivedAt time.Time
}

// Sent is an outbox entry.
type Sent struct {
	ID        string
	MessageID string
	From      string
	To        []string
	Data      []byte
	Status    string
}

// Server is an in-memory queue service.
type Server struct {
	username string
	password string

	mu      sync.Mutex
	inbox   []Item
	outbox  map[string]*Sent
	order   []string
	status  int
	garbled bool
	now     func() time.Time
}

// New returns a Server requiring the given Basic credentials.
func New(username, password string) *Server {
	return &Server{
		username: username,
		password: password,
		outbox:   map[string]*Sent{},
		now:      time.Now,
	}
}

// Start serves s on a loopback listener until the returned server is closed.
func (s *Server) Start() *httptest.Server {
	return httptest.NewServer(s.Handler())
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.auth)
	r.Use(s.faults)
	r.Get("/inbox", s.listInbox)
	r.Get("/inbox/{id}", s.getInbox)
	r.Delete("/inbox/{id}", s.deleteInbox)
	r.Post("/outbox", s.postOutbox)
	r.Get("/outbox/{id}", s.getOutbox)
	return r
}

// Enqueue appends an inbound item and returns its id.
func (s *Server) Enqueue(from string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.inbox = append(s.inbox, Item{ID: id, From: from, Data: append([]byte(nil), data...), ReceivedAt: s.now().UTC()})
	return id
}

// Pending returns the number of unacknowledged inbox items.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

// Outbox returns sent messages in submission order.
func (s *Server) Outbox() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sent, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.outbox[id])
	}
	return out
}

// SetStatus updates the delivery status of a sent message.
func (s *Server) SetStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = status
	}
}

// FailWith makes every request answer with code. Zero restores service.
func (s *Server) FailWith(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
}

// Garble makes successful JSON responses malformed.
func (s *Server) Garble(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.garbled = on
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		code := s.status
		s.mu.Unlock()
		if code != 0 {
			writeError(w, code, http.StatusText(code))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type itemJSON struct {
	ID         string    `json:"id"`
	From       string    `json:"from,omitempty"`
	Size       int       `json:"size"`
	ReceivedAt time.Time `json:"received_at"`
}

func (s *Server) listInbox(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	items := make([]itemJSON, len(s.inbox))
	for i, it := range s.inbox {
		items[i] = itemJSON{ID: it.ID, From: it.From, Size: len(it.Data), ReceivedAt: it.ReceivedAt}
	}
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) find(id string) (int, bool) {
	for i, it := range s.inbox {
		if it.ID == id {
			return i, true
		}
	}
	return -1, false
}

func (s *Server) getInbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	i, ok := s.find(id)
	var data []byte
	if ok {
		data = s.inbox[i].Data
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) deleteInbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	i, ok := s.find(id)
	if ok {
		s.inbox = append(s.inbox[:i], s.inbox[i+1:]...)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendJSON struct {
	MessageID string   `json:"message_id"`
	From      string   `json:"from"`
	To        []string `json:"to"`
	Data      []byte   `json:"data"`
}

type statusJSON struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) postOutbox(w http.ResponseWriter, r *http.Request) {
	var req sendJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if len(req.To) == 0 || len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "recipients and data are required")
		return
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.outbox[id] = &Sent{ID: id, MessageID: req.MessageID, From: req.From, To: req.To, Data: req.Data, Status: "queued"}
	s.order = append(s.order, id)
	s.mu.Unlock()
	s.writeJSON(w, http.StatusAccepted, statusJSON{ID: id, Status: "queued"})
}

func (s *Server) getOutbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	m, ok := s.outbox[id]
	var st statusJSON
	if ok {
		st = statusJSON{ID: m.ID, Status: m.Status}
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	s.mu.Lock()
	garbled := s.garbled
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if garbled {
		_, _ = w.Write([]byte(`{"id": `))
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
