package stream

import (
	"context"

	sgo "github.com/gagliardetto/solana-go"
	sgorpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/solpipe/delivery/endpoint"
)

type TopicKind int

const (
	TopicSlot TopicKind = iota
	TopicAccount
	TopicSignature
)

func (k TopicKind) String() string {
	switch k {
	case TopicSlot:
		return "slot"
	case TopicAccount:
		return "account"
	case TopicSignature:
		return "signature"
	default:
		return "unknown"
	}
}

type Topic struct {
	Kind       TopicKind
	Account    sgo.PublicKey
	Signature  sgo.Signature
	Commitment sgorpc.CommitmentType
}

func SlotTopic() Topic {
	return Topic{Kind: TopicSlot}
}

func AccountTopic(account sgo.PublicKey, commitment sgorpc.CommitmentType) Topic {
	return Topic{Kind: TopicAccount, Account: account, Commitment: commitment}
}

func SignatureTopic(sig sgo.Signature, commitment sgorpc.CommitmentType) Topic {
	return Topic{Kind: TopicSignature, Signature: sig, Commitment: commitment}
}

// Key identifies the topic; one connection is kept per key.
func (t Topic) Key() string {
	switch t.Kind {
	case TopicAccount:
		return "account:" + t.Account.String() + ":" + string(t.Commitment)
	case TopicSignature:
		return "signature:" + t.Signature.String() + ":" + string(t.Commitment)
	default:
		return "slot"
	}
}

// Update is one notification.  Slot orders updates that share a Key.
type Update struct {
	Topic    Topic
	Key      string
	Slot     uint64
	Lamports uint64
	Data     []byte
	// transaction error reported by a signature notification
	Err interface{}
}

// Feed is a single live subscription on a single connection.
type Feed interface {
	Recv(ctx context.Context) (Update, error)
	Close()
}

// Dialer opens a feed for topic on e.  ctx only bounds the dial.
type Dialer interface {
	Open(ctx context.Context, e *endpoint.Endpoint, topic Topic) (Feed, error)
}

type DialerFunc func(ctx context.Context, e *endpoint.Endpoint, topic Topic) (Feed, error)

func (f DialerFunc) Open(ctx context.Context, e *endpoint.Endpoint, topic Topic) (Feed, error) {
	return f(ctx, e, topic)
}
