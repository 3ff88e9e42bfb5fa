package pool

import (
	"bytes"
	"context"
	"encoding/base64"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	sgo "github.com/gagliardetto/solana-go"
	jsoniter "github.com/json-iterator/go"
	"github.com/solpipe/delivery/endpoint"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrPrecisionLoss is returned when a number cannot be reconstructed exactly.
var ErrPrecisionLoss = errors.New("numeric field lost precision")

// 2^64, which is what u64::MAX becomes once a remote service renders it as a float
const maxUint64AsFloat = float64(1<<63) * 2

// largest integer below which every float64 integer is exact
const maxExactFloat = float64(1 << 53)

// Uint64 decodes a JSON number that should be an unsigned 64-bit integer but may have
// been serialized as a float by the remote end.
type Uint64 uint64

func (u *Uint64) UnmarshalJSON(data []byte) error {
	v, err := ParseUint64(data)
	if err != nil {
		return err
	}
	*u = Uint64(v)
	return nil
}

func (u Uint64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(u), 10)), nil
}

// ParseUint64 accepts an integer literal (optionally quoted) or a float literal that maps
// back onto exactly one uint64.
func ParseUint64(data []byte) (uint64, error) {
	s := string(bytes.TrimSpace(data))
	if 2 <= len(s) && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if len(s) == 0 || s == "null" {
		return 0, fmt.Errorf("empty number: %w", ErrPrecisionLoss)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err == nil {
		return v, nil
	}
	if !strings.ContainsAny(s, ".eE") {
		return 0, fmt.Errorf("%s: %w", err.Error(), ErrPrecisionLoss)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number %q: %w", s, err)
	}
	switch {
	case f == maxUint64AsFloat:
		return math.MaxUint64, nil
	case f < 0, math.IsNaN(f), math.IsInf(f, 0):
		return 0, fmt.Errorf("%s out of range: %w", s, ErrPrecisionLoss)
	case f != math.Trunc(f):
		return 0, fmt.Errorf("%s is not an integer: %w", s, ErrPrecisionLoss)
	case maxExactFloat < f:
		return 0, fmt.Errorf("%s exceeds exact float range: %w", s, ErrPrecisionLoss)
	default:
		return uint64(f), nil
	}
}

// AccountInfo is the subset of getAccountInfo needed here, decoded without trusting
// the upstream to keep u64 fields integral (rentEpoch is routinely u64::MAX).
type AccountInfo struct {
	Lamports   Uint64    `json:"lamports"`
	Owner      string    `json:"owner"`
	Data       [2]string `json:"data"`
	Executable bool      `json:"executable"`
	RentEpoch  Uint64    `json:"rentEpoch"`
	Space      Uint64    `json:"space"`
}

func (a AccountInfo) Bytes() ([]byte, error) {
	if a.Data[1] != "base64" {
		return nil, fmt.Errorf("unexpected account encoding %q", a.Data[1])
	}
	return base64.StdEncoding.DecodeString(a.Data[0])
}

type accountInfoResponse struct {
	Context struct {
		Slot Uint64 `json:"slot"`
	} `json:"context"`
	Value *AccountInfo `json:"value"`
}

var ErrAccountNotFound = errors.New("account not found")

// DecodeAccountInfo decodes the result member of a getAccountInfo response.
func DecodeAccountInfo(result []byte) (*AccountInfo, uint64, error) {
	resp := new(accountInfoResponse)
	if err := json.Unmarshal(result, resp); err != nil {
		return nil, 0, err
	}
	if resp.Value == nil {
		return nil, uint64(resp.Context.Slot), ErrAccountNotFound
	}
	return resp.Value, uint64(resp.Context.Slot), nil
}

// GetAccountInfo reads an account through the pool with float-safe decoding.
func GetAccountInfo(
	ctx context.Context,
	p *Pool,
	account sgo.PublicKey,
	commitment string,
) (*AccountInfo, error) {
	info, _, err := GetAccountInfoAt(ctx, p, account, commitment)
	return info, err
}

// GetAccountInfoAt also returns the slot the account was read at.
func GetAccountInfoAt(
	ctx context.Context,
	p *Pool,
	account sgo.PublicKey,
	commitment string,
) (*AccountInfo, uint64, error) {
	raw, err := Call(ctx, p, KindRead, func(ctx context.Context, e *endpoint.Endpoint) (stdjson.RawMessage, error) {
		var out stdjson.RawMessage
		err := e.Rpc().RPCCallForInto(ctx, &out, "getAccountInfo", []interface{}{
			account.String(),
			map[string]interface{}{
				"encoding":   "base64",
				"commitment": commitment,
			},
		})
		return out, err
	})
	if err != nil {
		return nil, 0, err
	}
	return DecodeAccountInfo(raw)
}
