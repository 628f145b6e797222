package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// AuthenticationPath is the redirect-URI path completing a login flow.
// Callbacks on other paths belong to other features and are ignored by the
// login flow's listener.
const AuthenticationPath = "/authentication"

// DefaultCallbackPort is the loopback port registered with the OAuth
// application; the redirect URI must match it exactly.
const DefaultCallbackPort = 7171

// URIHandler delivers every incoming callback URI to every subscriber,
// regardless of which login attempt (or feature) triggered it. Listeners
// correlate by path and state themselves.
type URIHandler interface {
	Subscribe(listener func(uri *url.URL)) (unsubscribe func())
}

// CallbackServer is a loopback HTTP server implementing URIHandler. It is
// the sole inbound channel for completing a browser flow.
type CallbackServer struct {
	port     int
	server   *http.Server
	listener net.Listener

	mu           sync.Mutex
	listeners    map[int]func(uri *url.URL)
	nextListener int
}

// NewCallbackServer creates a callback server. Port 0 picks a random free
// port (tests); production uses DefaultCallbackPort.
func NewCallbackServer(port int) *CallbackServer {
	return &CallbackServer{
		port:      port,
		listeners: make(map[int]func(uri *url.URL)),
	}
}

// Start begins listening. The server runs until Close.
func (s *CallbackServer) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to start callback server: %w", err)
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	s.server = &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler:           http.HandlerFunc(s.handle),
	}
	go func() { _ = s.server.Serve(listener) }()
	return nil
}

// RedirectURI returns the redirect URI to register in authorization
// requests.
func (s *CallbackServer) RedirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", s.port, AuthenticationPath)
}

// Subscribe registers a listener for every incoming URI.
func (s *CallbackServer) Subscribe(listener func(uri *url.URL)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = listener
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *CallbackServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	listeners := make([]func(uri *url.URL), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(r.URL)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if r.URL.Query().Get("error") != "" {
		fmt.Fprint(w, "<html><body><h1>Authentication failed</h1><p>You can close this window.</p></body></html>")
		return
	}
	fmt.Fprint(w, "<html><body><h1>Authentication complete</h1><p>You can close this window and return to the terminal.</p></body></html>")
}

// Close shuts the server down.
func (s *CallbackServer) Close() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}
