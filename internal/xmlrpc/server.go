package xmlrpc

import (
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Handler is the implementation of one remote method.
type Handler func(args []any) (any, error)

// Server dispatches XML-RPC method calls to registered handlers over HTTP.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *zap.Logger
}

// NewServer returns an empty method dispatcher.
func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{handlers: make(map[string]Handler), log: log}
}

// Handle registers a method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "xmlrpc requires POST", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.fault(w, -32700, "cannot read request: "+err.Error())
		return
	}
	method, args, err := ParseCall(body)
	if err != nil {
		s.fault(w, -32700, err.Error())
		return
	}
	s.mu.RLock()
	h, ok := s.handlers[method]
	s.mu.RUnlock()
	if !ok {
		s.fault(w, -32601, "method not found: "+method)
		return
	}
	result, err := h(args)
	if err != nil {
		if f, ok := err.(*Fault); ok {
			s.fault(w, f.Code, f.Message)
		} else {
			s.fault(w, -32000, err.Error())
		}
		return
	}
	resp, err := EncodeResponse(result)
	if err != nil {
		s.fault(w, -32603, "cannot encode response: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	if _, err := w.Write(resp); err != nil {
		s.log.Debug("response write failed", zap.String("method", method), zap.Error(err))
	}
}

func (s *Server) fault(w http.ResponseWriter, code int, msg string) {
	s.log.Debug("rpc fault", zap.Int("code", code), zap.String("msg", msg))
	w.Header().Set("Content-Type", "text/xml")
	w.Write(EncodeFault(code, msg))
}
