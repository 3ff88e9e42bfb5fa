// Package source delivers built transaction messages and claim control events to the
// relay.  The relay depends only on Source; PushSource, PollingSource and MockSource
// are the provided variants.
package source

import (
	"context"
	"errors"
	"fmt"

	sgo "github.com/gagliardetto/solana-go"
	"github.com/solpipe/delivery/errormsg"
	"github.com/solpipe/delivery/tx"
)

type ControlKind int

const (
	// ControlClaim lifts an earlier cancel so the job may be submitted again.
	ControlClaim ControlKind = iota
	ControlAck
	ControlNack
	ControlCancel
)

func (k ControlKind) String() string {
	switch k {
	case ControlClaim:
		return "claim"
	case ControlAck:
		return "ack"
	case ControlNack:
		return "nack"
	case ControlCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

func ParseControlKind(s string) (ControlKind, error) {
	switch s {
	case "claim":
		return ControlClaim, nil
	case "ack":
		return ControlAck, nil
	case "nack":
		return ControlNack, nil
	case "cancel":
		return ControlCancel, nil
	default:
		return 0, fmt.Errorf("unknown control %q", s)
	}
}

// Control comes from the claim coordination layer.
type Control struct {
	Kind  ControlKind    `json:"kind"`
	JobId sgo.PublicKey  `json:"job"`
	Class errormsg.Class `json:"class,omitempty"`
}

// Event carries exactly one of Message or Control.
type Event struct {
	Message *tx.Message
	Control *Control
}

func MessageEvent(msg tx.Message) Event {
	return Event{Message: &msg}
}

func ControlEvent(c Control) Event {
	return Event{Control: &c}
}

var ErrClosed = errors.New("source closed")

type Source interface {
	// Recv blocks until the next event.  ErrClosed means the source is exhausted.
	Recv(ctx context.Context) (Event, error)
	Close() error
}

// Detector turns the state of a watched job account into a message, or nil when the job
// is not executable yet.
type Detector func(ctx context.Context, job sgo.PublicKey, data []byte, slot uint64) (*tx.Message, error)
