// Package config loads the relay configuration from YAML with environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	sgorpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/solpipe/delivery/agent/relay"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/pool"
	"github.com/solpipe/delivery/state/slot"
	"github.com/solpipe/delivery/stream"
	"github.com/solpipe/delivery/tx/monitor"
	"github.com/solpipe/delivery/tx/retry"
	"github.com/solpipe/delivery/tx/submit"
	"github.com/solpipe/delivery/util"
	"gopkg.in/yaml.v3"
)

// Duration reads "1s", "250ms" and the like.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	x, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(x)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

type Endpoint struct {
	Name         string            `yaml:"name"`
	Rpc          string            `yaml:"rpc"`
	Ws           string            `yaml:"ws,omitempty"`
	Role         string            `yaml:"role,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	RateCapacity int               `yaml:"rate_capacity,omitempty"`
	RateRefill   float64           `yaml:"rate_refill,omitempty"`
	HttpTimeout  Duration          `yaml:"http_timeout,omitempty"`
}

type Breaker struct {
	Threshold   int      `yaml:"threshold"`
	Cooldown    Duration `yaml:"cooldown"`
	Multiplier  float64  `yaml:"multiplier"`
	MaxCooldown Duration `yaml:"max_cooldown"`
}

type Probe struct {
	Interval         Duration `yaml:"interval"`
	Timeout          Duration `yaml:"timeout"`
	DegradedLatency  Duration `yaml:"degraded_latency"`
	UnreachableAfter int      `yaml:"unreachable_after"`
}

type Pool struct {
	MaxAttempts int      `yaml:"max_attempts"`
	CallTimeout Duration `yaml:"call_timeout"`
}

type Stream struct {
	Disabled      bool     `yaml:"disabled"`
	ReconnectBase Duration `yaml:"reconnect_base"`
	ReconnectMax  Duration `yaml:"reconnect_max"`
	MaxReconnects int      `yaml:"max_reconnects"`
}

type Slot struct {
	Refresh    Duration `yaml:"refresh"`
	Commitment string   `yaml:"commitment"`
}

type Tpu struct {
	Enabled       bool     `yaml:"enabled"`
	Fanout        int      `yaml:"fanout"`
	LeaderRefresh Duration `yaml:"leader_refresh"`
	Timeout       Duration `yaml:"timeout"`
}

type Submit struct {
	SkipPreflight       bool   `yaml:"skip_preflight"`
	PreflightCommitment string `yaml:"preflight_commitment"`
	MaxRetries          *uint  `yaml:"max_retries,omitempty"`
	Tpu                 Tpu    `yaml:"tpu"`
}

type Monitor struct {
	Interval     Duration `yaml:"interval"`
	Commitment   string   `yaml:"commitment"`
	NonceTimeout Duration `yaml:"nonce_timeout"`
	Retention    Duration `yaml:"retention"`
}

type Retry struct {
	BaseDelay     Duration `yaml:"base_delay"`
	Multiplier    float64  `yaml:"multiplier"`
	MaxDelay      Duration `yaml:"max_delay"`
	Jitter        float64  `yaml:"jitter"`
	MaxAttempts   int      `yaml:"max_attempts"`
	MaxAge        Duration `yaml:"max_age"`
	DrainInterval Duration `yaml:"drain_interval"`
	// sqlite file for the backlog; empty keeps it in memory
	StorePath string `yaml:"store_path"`
}

type Nonce struct {
	Accounts []string `yaml:"accounts"`
}

type Ingress struct {
	Listen string   `yaml:"listen"`
	Tls    bool     `yaml:"tls"`
	Hosts  []string `yaml:"hosts,omitempty"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Configuration struct {
	// path to a solana-keygen file holding the signing key
	Signer    string     `yaml:"signer"`
	Endpoints []Endpoint `yaml:"endpoints"`
	Breaker   Breaker    `yaml:"breaker"`
	Probe     Probe      `yaml:"probe"`
	Pool      Pool       `yaml:"pool"`
	Stream    Stream     `yaml:"stream"`
	Slot      Slot       `yaml:"slot"`
	Submit    Submit     `yaml:"submit"`
	Monitor   Monitor    `yaml:"monitor"`
	Retry     Retry      `yaml:"retry"`
	Nonce     Nonce      `yaml:"nonce"`
	// health probes, pool status and /metrics
	HttpListen string  `yaml:"http_listen"`
	Ingress    Ingress `yaml:"ingress"`
	Log        Log     `yaml:"log"`
}

func Default() Configuration {
	return Configuration{
		Breaker: Breaker{
			Threshold:   3,
			Cooldown:    Duration(10 * time.Second),
			Multiplier:  2,
			MaxCooldown: Duration(2 * time.Minute),
		},
		Probe: Probe{
			Interval:         Duration(5 * time.Second),
			Timeout:          Duration(3 * time.Second),
			DegradedLatency:  Duration(750 * time.Millisecond),
			UnreachableAfter: 3,
		},
		Pool: Pool{MaxAttempts: 3, CallTimeout: Duration(10 * time.Second)},
		Stream: Stream{
			ReconnectBase: Duration(500 * time.Millisecond),
			ReconnectMax:  Duration(30 * time.Second),
			MaxReconnects: 10,
		},
		Slot: Slot{Refresh: Duration(2 * time.Second), Commitment: "confirmed"},
		Submit: Submit{
			PreflightCommitment: "processed",
			Tpu: Tpu{
				Fanout:        2,
				LeaderRefresh: Duration(10 * time.Second),
				Timeout:       Duration(3 * time.Second),
			},
		},
		Monitor: Monitor{
			Interval:     Duration(2 * time.Second),
			Commitment:   "confirmed",
			NonceTimeout: Duration(90 * time.Second),
			Retention:    Duration(10 * time.Minute),
		},
		Retry: Retry{
			BaseDelay:     Duration(time.Second),
			Multiplier:    2,
			MaxDelay:      Duration(time.Minute),
			Jitter:        0.1,
			MaxAttempts:   5,
			MaxAge:        Duration(30 * time.Minute),
			DrainInterval: Duration(250 * time.Millisecond),
		},
		HttpListen: ":9090",
		Log:        Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies the environment and validates.  An empty
// path skips the file.
func Load(path string) (Configuration, error) {
	c := Default()
	if len(path) != 0 {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err = Decode(data, &c); err != nil {
			return c, err
		}
	}
	if err := c.ApplyEnv(); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// Decode overlays YAML on c; unknown keys are an error.
func Decode(data []byte, c *Configuration) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(c)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv adds an endpoint from RPC_URL/WS_URL/RPC_HEADERS when none is configured,
// and lets DELIVERY_SIGNER and DELIVERY_RETRY_STORE override their keys.
func (c *Configuration) ApplyEnv() error {
	if len(c.Endpoints) == 0 {
		if rc, err := util.RpcConfigFromEnv(); err == nil {
			headers := make(map[string]string)
			for k := range rc.Headers {
				headers[k] = rc.Headers.Get(k)
			}
			c.Endpoints = append(c.Endpoints, Endpoint{Name: "env", Rpc: rc.Rpc, Ws: rc.Ws, Role: "primary", Headers: headers})
		}
	}
	if v, present := os.LookupEnv("DELIVERY_SIGNER"); present && len(v) != 0 {
		c.Signer = v
	}
	if v, present := os.LookupEnv("DELIVERY_RETRY_STORE"); present && len(v) != 0 {
		c.Retry.StorePath = v
	}
	return nil
}

func validCommitment(s string) bool {
	switch sgorpc.CommitmentType(s) {
	case sgorpc.CommitmentProcessed, sgorpc.CommitmentConfirmed, sgorpc.CommitmentFinalized:
		return true
	default:
		return false
	}
}

func (c Configuration) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("no endpoints configured")
	}
	endpoints, err := c.BuildEndpoints()
	if err != nil {
		return err
	}
	writable := false
	for _, e := range endpoints {
		if e.Role() != endpoint.RoleReadOnly {
			writable = true
		}
	}
	if !writable {
		return errors.New("every endpoint is read-only")
	}
	if c.Breaker.Threshold < 1 {
		return errors.New("breaker threshold must be at least 1")
	}
	if c.Breaker.Cooldown <= 0 {
		return errors.New("breaker cooldown must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		return errors.New("retry multiplier must be at least 1")
	}
	if c.Retry.Jitter < 0 || 1 <= c.Retry.Jitter {
		return errors.New("retry jitter must be in [0,1)")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("retry delays must satisfy 0 < base_delay <= max_delay")
	}
	for _, s := range []string{c.Slot.Commitment, c.Monitor.Commitment, c.Submit.PreflightCommitment} {
		if !validCommitment(s) {
			return fmt.Errorf("unknown commitment %q", s)
		}
	}
	if _, err = c.NonceAccounts(); err != nil {
		return err
	}
	return nil
}

func (c Configuration) NonceAccounts() ([]sgo.PublicKey, error) {
	ans := make([]sgo.PublicKey, 0, len(c.Nonce.Accounts))
	seen := make(map[sgo.PublicKey]bool)
	for _, s := range c.Nonce.Accounts {
		k, err := sgo.PublicKeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("nonce account %q: %w", s, err)
		}
		if seen[k] {
			return nil, fmt.Errorf("nonce account %s listed twice", s)
		}
		seen[k] = true
		ans = append(ans, k)
	}
	return ans, nil
}

func headers(m map[string]string) http.Header {
	h := http.Header{}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// BuildEndpoints creates one endpoint per entry, all sharing the breaker section.
func (c Configuration) BuildEndpoints() ([]*endpoint.Endpoint, error) {
	list := make([]*endpoint.Endpoint, 0, len(c.Endpoints))
	names := make(map[string]bool)
	for i, ec := range c.Endpoints {
		role, err := endpoint.ParseRole(ec.Role)
		if err != nil {
			return nil, err
		}
		name := ec.Name
		if len(name) == 0 {
			name = fmt.Sprintf("endpoint-%d", i)
		}
		if names[name] {
			return nil, fmt.Errorf("endpoint name %s used twice", name)
		}
		names[name] = true
		e, err := endpoint.Create(endpoint.Configuration{
			Name:         name,
			RpcUrl:       ec.Rpc,
			WsUrl:        ec.Ws,
			Role:         role,
			Headers:      headers(ec.Headers),
			RateCapacity: ec.RateCapacity,
			RateRefill:   ec.RateRefill,
			HttpTimeout:  ec.HttpTimeout.D(),
			Breaker: endpoint.BreakerConfig{
				FailureThreshold:   c.Breaker.Threshold,
				Cooldown:           c.Breaker.Cooldown.D(),
				CooldownMultiplier: c.Breaker.Multiplier,
				MaxCooldown:        c.Breaker.MaxCooldown.D(),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", name, err)
		}
		list = append(list, e)
	}
	return list, nil
}

func (c Configuration) Relay() (relay.Configuration, error) {
	nonces, err := c.NonceAccounts()
	if err != nil {
		return relay.Configuration{}, err
	}
	return relay.Configuration{
		Pool: pool.Configuration{
			MaxAttempts: c.Pool.MaxAttempts,
			CallTimeout: c.Pool.CallTimeout.D(),
		},
		Probe: pool.ProbeConfiguration{
			Interval:         c.Probe.Interval.D(),
			Timeout:          c.Probe.Timeout.D(),
			DegradedLatency:  c.Probe.DegradedLatency.D(),
			UnreachableAfter: c.Probe.UnreachableAfter,
		},
		Stream: stream.Configuration{
			ReconnectBase: c.Stream.ReconnectBase.D(),
			ReconnectMax:  c.Stream.ReconnectMax.D(),
			MaxReconnects: c.Stream.MaxReconnects,
		},
		Slot: slot.Configuration{
			Refresh:    c.Slot.Refresh.D(),
			Commitment: sgorpc.CommitmentType(c.Slot.Commitment),
		},
		Submit: submit.Configuration{
			SkipPreflight:       c.Submit.SkipPreflight,
			PreflightCommitment: sgorpc.CommitmentType(c.Submit.PreflightCommitment),
			MaxRetries:          c.Submit.MaxRetries,
			Tpu: submit.TpuConfiguration{
				Enabled:       c.Submit.Tpu.Enabled,
				Fanout:        c.Submit.Tpu.Fanout,
				LeaderRefresh: c.Submit.Tpu.LeaderRefresh.D(),
				Timeout:       c.Submit.Tpu.Timeout.D(),
			},
		},
		Monitor: monitor.Configuration{
			Interval:     c.Monitor.Interval.D(),
			Commitment:   sgorpc.CommitmentType(c.Monitor.Commitment),
			NonceTimeout: c.Monitor.NonceTimeout.D(),
			Retention:    c.Monitor.Retention.D(),
		},
		Retry: retry.Policy{
			BaseDelay:     c.Retry.BaseDelay.D(),
			Multiplier:    c.Retry.Multiplier,
			MaxDelay:      c.Retry.MaxDelay.D(),
			Jitter:        c.Retry.Jitter,
			MaxAttempts:   c.Retry.MaxAttempts,
			MaxAge:        c.Retry.MaxAge.D(),
			DrainInterval: c.Retry.DrainInterval.D(),
		},
		NonceAccounts: nonces,
		DisableStream: c.Stream.Disabled,
	}, nil
}
