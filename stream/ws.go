package stream

import (
	"context"
	"fmt"

	sgows "github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/solpipe/delivery/endpoint"
)

// WsDialer opens one websocket connection per feed.
type WsDialer struct{}

func (WsDialer) Open(ctx context.Context, e *endpoint.Endpoint, topic Topic) (Feed, error) {
	client, err := sgows.ConnectWithOptions(ctx, e.WsUrl(), &sgows.Options{HttpHeader: e.Headers()})
	if err != nil {
		return nil, err
	}
	var feed Feed
	switch topic.Kind {
	case TopicSlot:
		var sub *sgows.SlotSubscription
		sub, err = client.SlotSubscribe()
		if err == nil {
			feed = &slotFeed{client: client, sub: sub, topic: topic}
		}
	case TopicAccount:
		var sub *sgows.AccountSubscription
		sub, err = client.AccountSubscribe(topic.Account, topic.Commitment)
		if err == nil {
			feed = &accountFeed{client: client, sub: sub, topic: topic}
		}
	case TopicSignature:
		var sub *sgows.SignatureSubscription
		sub, err = client.SignatureSubscribe(topic.Signature, topic.Commitment)
		if err == nil {
			feed = &signatureFeed{client: client, sub: sub, topic: topic}
		}
	default:
		err = fmt.Errorf("unknown topic kind %d", topic.Kind)
	}
	if err != nil {
		client.Close()
		return nil, err
	}
	return feed, nil
}

type slotFeed struct {
	client *sgows.Client
	sub    *sgows.SlotSubscription
	topic  Topic
}

func (f *slotFeed) Recv(ctx context.Context) (Update, error) {
	r, err := f.sub.Recv(ctx)
	if err != nil {
		return Update{}, err
	}
	return Update{Topic: f.topic, Key: f.topic.Key(), Slot: r.Slot}, nil
}

func (f *slotFeed) Close() {
	f.sub.Unsubscribe()
	f.client.Close()
}

type accountFeed struct {
	client *sgows.Client
	sub    *sgows.AccountSubscription
	topic  Topic
}

func (f *accountFeed) Recv(ctx context.Context) (Update, error) {
	r, err := f.sub.Recv(ctx)
	if err != nil {
		return Update{}, err
	}
	u := Update{Topic: f.topic, Key: f.topic.Key(), Slot: r.Context.Slot, Lamports: r.Value.Lamports}
	if r.Value.Data != nil {
		u.Data = r.Value.Data.GetBinary()
	}
	return u, nil
}

func (f *accountFeed) Close() {
	f.sub.Unsubscribe()
	f.client.Close()
}

type signatureFeed struct {
	client *sgows.Client
	sub    *sgows.SignatureSubscription
	topic  Topic
}

func (f *signatureFeed) Recv(ctx context.Context) (Update, error) {
	r, err := f.sub.Recv(ctx)
	if err != nil {
		return Update{}, err
	}
	return Update{Topic: f.topic, Key: f.topic.Key(), Slot: r.Context.Slot, Err: r.Value.Err}, nil
}

func (f *signatureFeed) Close() {
	f.sub.Unsubscribe()
	f.client.Close()
}
