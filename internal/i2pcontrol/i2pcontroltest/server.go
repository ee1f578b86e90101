// Package i2pcontroltest runs a minimal I2PControl endpoint for tests.
package i2pcontroltest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Server answers Authenticate and RouterInfo like an i2pd router.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	password  string
	token     string
	info      map[string]any
	authCalls int
	calls     int
	expired   bool
	tokens    []string
}

// New starts a TLS server accepting password and answering RouterInfo with
// info. Close it when done.
func New(password string, info map[string]any) *Server {
	s := &Server{password: password, token: "tok-1", info: info}
	s.Server = httptest.NewTLSServer(http.HandlerFunc(s.handle))
	return s
}

// SetInfo replaces the RouterInfo result.
func (s *Server) SetInfo(info map[string]any) {
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
}

// Expire makes the current token invalid; the next Authenticate issues a
// new one.
func (s *Server) Expire() {
	s.mu.Lock()
	s.expired = true
	s.mu.Unlock()
}

// AuthCalls returns the number of Authenticate requests served.
func (s *Server) AuthCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCalls
}

// Calls returns the number of non-Authenticate requests served.
func (s *Server) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Tokens returns the Token field of every non-Authenticate request.
func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

type rpcRequest struct {
	ID      int                        `json:"id"`
	Method  string                     `json:"method"`
	Params  map[string]json.RawMessage `json:"params"`
	JSONRPC string                     `json:"jsonrpc"`
	Token   string                     `json:"Token"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, -32700, "Parse error")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Method {
	case "Authenticate":
		s.authCalls++
		var password string
		_ = json.Unmarshal(req.Params["Password"], &password)
		if password != s.password {
			writeError(w, -32001, "Invalid password provided")
			return
		}
		if s.expired {
			s.expired = false
			s.token = s.token + "x"
		}
		writeResult(w, map[string]any{"API": 1, "Token": s.token})
	default:
		s.calls++
		s.tokens = append(s.tokens, req.Token)
		if req.Token == "" {
			writeError(w, -32002, "No authentication token presented")
			return
		}
		if s.expired || req.Token != s.token {
			writeError(w, -32004, "The provided authentication token was expired and will be removed")
			return
		}
		if req.Method != "RouterInfo" {
			writeError(w, -32601, "Method not found")
			return
		}
		writeResult(w, s.info)
	}
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"id": 1, "jsonrpc": "2.0", "result": result})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      1,
		"jsonrpc": "2.0",
		"error":   map[string]any{"code": code, "message": msg},
	})
}
