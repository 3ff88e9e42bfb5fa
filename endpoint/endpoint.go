package endpoint

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	sgorpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/solpipe/delivery/errormsg"
)

type Role int

const (
	RolePrimary Role = iota
	RoleFallback
	RoleReadOnly
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleFallback:
		return "fallback"
	case RoleReadOnly:
		return "readonly"
	default:
		return "unknown"
	}
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "primary":
		return RolePrimary, nil
	case "fallback":
		return RoleFallback, nil
	case "readonly", "read-only", "read_only":
		return RoleReadOnly, nil
	default:
		return 0, fmt.Errorf("unknown endpoint role %q", s)
	}
}

type Configuration struct {
	Name    string
	RpcUrl  string
	WsUrl   string
	Role    Role
	Headers http.Header
	// token bucket; zero refill defaults to RateCapacity per second, a negative refill
	// makes RateCapacity a fixed budget
	RateCapacity int
	RateRefill   float64
	Breaker      BreakerConfig
	// bound on a single http round trip; the pool applies its own per-call deadline as well
	HttpTimeout time.Duration
}

// Endpoint is one address through which the ledger is reached.  The breaker and limiter
// carry their own locks, so independent endpoints never contend with each other.
type Endpoint struct {
	name    string
	rpcUrl  string
	wsUrl   string
	role    Role
	headers http.Header
	limiter *Limiter
	breaker *Breaker
	rpc     *sgorpc.Client

	mu     sync.RWMutex
	health Health
}

func Create(config Configuration) (*Endpoint, error) {
	if len(config.RpcUrl) == 0 {
		return nil, errors.New("no rpc url")
	}
	if len(config.Name) == 0 {
		config.Name = config.RpcUrl
	}
	if config.RateCapacity == 0 {
		config.RateCapacity = 10
	}
	if config.RateRefill == 0 {
		config.RateRefill = float64(config.RateCapacity)
	}
	config.Breaker = config.Breaker.withDefaults()
	if config.HttpTimeout == 0 {
		config.HttpTimeout = 30 * time.Second
	}
	h := http.Header{}
	for k, v := range config.Headers {
		h[k] = v
	}
	return &Endpoint{
		name:    config.Name,
		rpcUrl:  config.RpcUrl,
		wsUrl:   config.WsUrl,
		role:    config.Role,
		headers: h,
		limiter: NewLimiter(config.RateCapacity, config.RateRefill),
		breaker: NewBreaker(config.Breaker),
		rpc:     rpcClient(config.RpcUrl, h, config.HttpTimeout),
	}, nil
}

func rpcClient(url string, headers http.Header, timeout time.Duration) *sgorpc.Client {
	h := make(map[string]string)
	for k, v := range headers {
		if len(v) == 1 {
			h[k] = v[0]
		}
	}
	return sgorpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{
		HTTPClient:    &http.Client{Timeout: timeout, Transport: statusTransport{next: http.DefaultTransport}},
		CustomHeaders: h,
	}))
}

// statusTransport turns 5xx and 429 replies into transport errors before the json-rpc
// client decodes whatever error body an overloaded node or proxy attached.
type statusTransport struct {
	next http.RoundTripper
}

func (st statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := st.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
		return resp, nil
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	return nil, errormsg.Wrap(errormsg.ClassTransport, fmt.Errorf("http status %d from %s", resp.StatusCode, req.URL.Host))
}

func (e *Endpoint) Name() string {
	return e.name
}

func (e *Endpoint) RpcUrl() string {
	return e.rpcUrl
}

func (e *Endpoint) WsUrl() string {
	return e.wsUrl
}

// Headers returns a copy.
func (e *Endpoint) Headers() http.Header {
	return e.headers.Clone()
}

func (e *Endpoint) Role() Role {
	return e.role
}

func (e *Endpoint) Rpc() *sgorpc.Client {
	return e.rpc
}

func (e *Endpoint) Limiter() *Limiter {
	return e.limiter
}

func (e *Endpoint) Breaker() *Breaker {
	return e.breaker
}

func (e *Endpoint) Health() Health {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.health
}

func (e *Endpoint) SetHealth(h Health) {
	e.mu.Lock()
	e.health = h
	e.mu.Unlock()
}

// UpdateHealth applies cb to the current health under the endpoint lock.
func (e *Endpoint) UpdateHealth(cb func(h *Health)) {
	e.mu.Lock()
	cb(&e.health)
	e.mu.Unlock()
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("%s(%s)", e.name, e.role.String())
}
