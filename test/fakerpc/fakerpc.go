// Package fakerpc serves just enough of the Solana JSON-RPC API over httptest for
// exercising the delivery pipeline without a validator.
package fakerpc

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	bin "github.com/gagliardetto/binary"
	sgo "github.com/gagliardetto/solana-go"
)

type RpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler answers one method.  Returning a non-nil RpcError produces a JSON-RPC error.
type Handler func(params []json.RawMessage) (interface{}, *RpcError)

type request struct {
	JsonRpc string            `json:"jsonrpc"`
	Id      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type Server struct {
	*httptest.Server
	mu       sync.Mutex
	handlers map[string]Handler
	calls    map[string]int
	status   int
	delay    time.Duration
}

func Start() *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		calls:    make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	s.Handle("getSlot", Result(uint64(100)))
	s.Handle("getBlockHeight", Result(uint64(100)))
	return s
}

func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// FailWith makes every request return the given HTTP status; 0 restores normal service.
func (s *Server) FailWith(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Stall delays every response, which looks like a timeout to a client with a short deadline.
func (s *Server) Stall(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.calls {
		n += v
	}
	return n
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req := new(request)
	if err = json.Unmarshal(body, req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.calls[req.Method]++
	status := s.status
	delay := s.delay
	h, present := s.handlers[req.Method]
	s.mu.Unlock()

	if 0 < delay {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		w.WriteHeader(status)
		w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32000,"message":"unavailable"},"id":` + string(req.Id) + `}`))
		return
	}
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      req.Id,
	}
	if !present {
		resp["error"] = RpcError{Code: -32601, Message: "Method not found"}
	} else {
		result, rpcErr := h(req.Params)
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func Result(v interface{}) Handler {
	return func(params []json.RawMessage) (interface{}, *RpcError) {
		return v, nil
	}
}

func Fail(code int, message string) Handler {
	return func(params []json.RawMessage) (interface{}, *RpcError) {
		return nil, &RpcError{Code: code, Message: message}
	}
}

func LatestBlockhash(hash sgo.Hash, lastValid uint64) Handler {
	return Result(map[string]interface{}{
		"context": map[string]interface{}{"slot": 100},
		"value": map[string]interface{}{
			"blockhash":            hash.String(),
			"lastValidBlockHeight": lastValid,
		},
	})
}

// DecodeTransaction reads the base64 transaction from sendTransaction params.
func DecodeTransaction(params []json.RawMessage) (*sgo.Transaction, error) {
	var encoded string
	if err := json.Unmarshal(params[0], &encoded); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return sgo.TransactionFromDecoder(bin.NewBinDecoder(data))
}

// AcceptTransactions answers sendTransaction with the transaction's own signature and
// records every accepted transaction.
func AcceptTransactions(sink func(tx *sgo.Transaction)) Handler {
	return func(params []json.RawMessage) (interface{}, *RpcError) {
		tx, err := DecodeTransaction(params)
		if err != nil {
			return nil, &RpcError{Code: -32602, Message: err.Error()}
		}
		if sink != nil {
			sink(tx)
		}
		return tx.Signatures[0].String(), nil
	}
}

// SignatureStatus is one entry of a getSignatureStatuses response; nil means unknown.
type SignatureStatus struct {
	Slot               uint64      `json:"slot"`
	Confirmations      *uint64     `json:"confirmations"`
	Err                interface{} `json:"err"`
	ConfirmationStatus string      `json:"confirmationStatus"`
}

// SignatureStatuses answers with lookup(signature) for every requested signature.
func SignatureStatuses(lookup func(sig sgo.Signature) *SignatureStatus) Handler {
	return func(params []json.RawMessage) (interface{}, *RpcError) {
		var sigs []string
		if err := json.Unmarshal(params[0], &sigs); err != nil {
			return nil, &RpcError{Code: -32602, Message: err.Error()}
		}
		value := make([]*SignatureStatus, len(sigs))
		for i, s := range sigs {
			sig, err := sgo.SignatureFromBase58(s)
			if err != nil {
				return nil, &RpcError{Code: -32602, Message: err.Error()}
			}
			value[i] = lookup(sig)
		}
		return map[string]interface{}{
			"context": map[string]interface{}{"slot": 100},
			"value":   value,
		}, nil
	}
}

// Account answers getAccountInfo with base64 data owned by owner.
func Account(data []byte, owner sgo.PublicKey, lamports uint64) Handler {
	return Result(map[string]interface{}{
		"context": map[string]interface{}{"slot": 100},
		"value": map[string]interface{}{
			"lamports":   lamports,
			"owner":      owner.String(),
			"data":       []string{base64.StdEncoding.EncodeToString(data), "base64"},
			"executable": false,
			// what some providers emit for u64::MAX
			"rentEpoch": json.RawMessage("1.8446744073709552e19"),
			"space":     len(data),
		},
	})
}
