// Package jsonrpcserver exposes plain Go functions such as
// func Foo(context.Context, int) (int, error)
// as JSON-RPC 2.0 methods over HTTP POST.
package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
)

const (
	// OriginHeader tags a request with the name of the calling service.
	OriginHeader      = "x-warden-origin"
	maxOriginIDLength = 255

	DefaultMaxRequestBodySize = 1 << 20
)

type originKey struct{}

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *any   `json:"data,omitempty"`
}

type Methods map[string]interface{}

type Handler struct {
	methods map[string]method
	// MaxRequestBodySize limits the request body, bigger requests fail with a parse error.
	MaxRequestBodySize int64
}

// NewHandler builds an http.Handler out of methods. Every function must
// take context.Context first, return error last with at most one value before it,
// and use argument and return types that round trip through JSON.
func NewHandler(methods Methods) (*Handler, error) {
	m := make(map[string]method, len(methods))
	for name, fn := range methods {
		parsed, err := newMethod(fn)
		if err != nil {
			return nil, err
		}
		m[name] = parsed
	}
	return &Handler{
		methods:            m,
		MaxRequestBodySize: DefaultMaxRequestBodySize,
	}, nil
}

func writeResponse(w http.ResponseWriter, res JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSONRPCError(w http.ResponseWriter, id any, code int, msg string) {
	writeResponse(w, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
		},
	})
}

func validID(id any) bool {
	switch id.(type) {
	case nil, string, float64:
		return true
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.MaxRequestBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxRequestBodySize)
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}
	if req.JSONRPC != "2.0" {
		writeJSONRPCError(w, req.ID, CodeInvalidRequest, "invalid jsonrpc version")
		return
	}
	if !validID(req.ID) {
		writeJSONRPCError(w, nil, CodeInvalidRequest, "invalid id type")
		return
	}

	ctx := r.Context()
	if origin := r.Header.Get(OriginHeader); origin != "" {
		if len(origin) > maxOriginIDLength {
			writeJSONRPCError(w, req.ID, CodeInvalidRequest, OriginHeader+" header is too long")
			return
		}
		ctx = context.WithValue(ctx, originKey{}, origin)
	}

	m, ok := h.methods[req.Method]
	if !ok {
		writeJSONRPCError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	result, err := m.invoke(ctx, req.Params)
	if err != nil {
		code := CodeCustomError
		var pe *paramsError
		if errors.As(err, &pe) {
			code = CodeInvalidParams
		}
		writeJSONRPCError(w, req.ID, code, err.Error())
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInternalError, err.Error())
		return
	}
	msg := json.RawMessage(raw)
	writeResponse(w, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &msg,
	})
}

// GetOrigin returns the origin header of the request that ctx belongs to.
func GetOrigin(ctx context.Context) string {
	value, ok := ctx.Value(originKey{}).(string)
	if !ok {
		return ""
	}
	return value
}
