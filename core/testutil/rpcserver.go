package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
)

const (
	JSONRPCVersion = "2.0"

	InvalidParamsCode  = -32602
	MethodNotFoundCode = -32601
	// bundler validation failures
	RejectedByEntryPointCode = -32500
	// paymaster policy refusals
	PaymasterRejectedCode = -32004
)

// RPCRequest is one JSON-RPC call received by an RPCServer.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
}

type rpcErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *RPCError       `json:"error"`
}

type rpcEmptyResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
}

type noResult struct{}

// NoResult makes the server answer without a result member.
var NoResult = noResult{}

// RPCHandler answers one method. Returning a nil result encodes as null.
type RPCHandler func(params []json.RawMessage) (interface{}, *RPCError)

// RPCServer is a fake bundler or paymaster speaking JSON-RPC over HTTP.
type RPCServer struct {
	*httptest.Server

	mu         sync.Mutex
	handlers   map[string]RPCHandler
	requests   []RPCRequest
	httpStatus int
}

// NewRPCServer starts a server closed automatically at the end of the test.
func NewRPCServer(t testing.TB) *RPCServer {
	gin.SetMode(gin.TestMode)

	s := &RPCServer{handlers: map[string]RPCHandler{}}
	router := gin.New()
	router.POST("/*path", s.serve)

	s.Server = httptest.NewServer(router)
	t.Cleanup(s.Server.Close)
	return s
}

// Handle registers h for method, replacing any previous handler.
func (s *RPCServer) Handle(method string, h RPCHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// FailWith makes every following request answer with the given HTTP status.
func (s *RPCServer) FailWith(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpStatus = status
}

// Requests returns the calls received for method, in arrival order.
func (s *RPCServer) Requests(method string) []RPCRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []RPCRequest
	for _, r := range s.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (s *RPCServer) serve(c *gin.Context) {
	var req RPCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, rpcErrorResponse{
			JSONRPC: JSONRPCVersion,
			ID:      json.RawMessage("null"),
			Error:   &RPCError{Code: -32700, Message: err.Error()},
		})
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	status := s.httpStatus
	h, ok := s.handlers[req.Method]
	s.mu.Unlock()

	if status != 0 {
		c.String(status, http.StatusText(status))
		return
	}
	if len(req.ID) == 0 {
		req.ID = json.RawMessage("null")
	}
	if !ok {
		c.JSON(http.StatusOK, rpcErrorResponse{
			JSONRPC: JSONRPCVersion,
			ID:      req.ID,
			Error:   &RPCError{Code: MethodNotFoundCode, Message: "method " + req.Method + " not found"},
		})
		return
	}

	result, rpcErr := h(req.Params)
	switch {
	case rpcErr != nil:
		c.JSON(http.StatusOK, rpcErrorResponse{JSONRPC: JSONRPCVersion, ID: req.ID, Error: rpcErr})
	case result == NoResult:
		c.JSON(http.StatusOK, rpcEmptyResponse{JSONRPC: JSONRPCVersion, ID: req.ID})
	default:
		c.JSON(http.StatusOK, rpcResponse{JSONRPC: JSONRPCVersion, ID: req.ID, Result: result})
	}
}
