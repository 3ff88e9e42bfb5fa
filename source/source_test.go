package source_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/pool"
	"github.com/solpipe/delivery/source"
	"github.com/solpipe/delivery/stream"
	"github.com/solpipe/delivery/test/fakerpc"
	"github.com/solpipe/delivery/tx"
	"github.com/stretchr/testify/require"
)

func message(job sgo.PublicKey) tx.Message {
	return tx.Message{
		JobId:  job,
		Signer: sgo.NewWallet().PublicKey(),
		Instructions: []tx.Instruction{{
			Program: sgo.SystemProgramID,
			Payload: []byte("tick"),
		}},
	}
}

// due reports a message whenever the first byte of the account data is set.
func due(ctx context.Context, job sgo.PublicKey, data []byte, slot uint64) (*tx.Message, error) {
	if len(data) == 0 || data[0] == 0 {
		return nil, nil
	}
	msg := message(job)
	return &msg, nil
}

func TestMockSourceOrder(t *testing.T) {
	ctx := context.Background()
	job := sgo.NewWallet().PublicKey()
	ms := source.CreateMockSource(
		source.MessageEvent(message(job)),
		source.ControlEvent(source.Control{Kind: source.ControlCancel, JobId: job}),
	)
	e, err := ms.Recv(ctx)
	require.NoError(t, err)
	require.NotNil(t, e.Message)
	require.Equal(t, job, e.Message.JobId)
	e, err = ms.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, source.ControlCancel, e.Control.Kind)
	_, err = ms.Recv(ctx)
	require.ErrorIs(t, err, source.ErrClosed)
}

func TestPushSource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ps := source.CreatePushSource(ctx, 1)
	require.Error(t, ps.Push(ctx, source.Event{}))
	require.Error(t, ps.Push(ctx, source.MessageEvent(tx.Message{})))

	job := sgo.NewWallet().PublicKey()
	require.NoError(t, ps.Push(ctx, source.MessageEvent(message(job))))

	// buffer is full, so this push waits for the deadline
	ctxShort, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()
	require.Error(t, ps.Push(ctxShort, source.MessageEvent(message(job))))

	e, err := ps.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, job, e.Message.JobId)

	require.NoError(t, ps.Close())
	_, err = ps.Recv(ctx)
	require.ErrorIs(t, err, source.ErrClosed)
}

type chanFeed struct {
	updateC chan stream.Update
}

func (f chanFeed) Recv(ctx context.Context) (stream.Update, error) {
	select {
	case <-ctx.Done():
		return stream.Update{}, errors.New("canceled")
	case u := <-f.updateC:
		return u, nil
	}
}

func (f chanFeed) Close() {}

func TestPushSourceWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, err := endpoint.Create(endpoint.Configuration{
		Name:   "ws",
		RpcUrl: "http://127.0.0.1:1",
		WsUrl:  "ws://127.0.0.1:1",
	})
	require.NoError(t, err)
	p, err := pool.Create(pool.DefaultConfiguration(), []*endpoint.Endpoint{e})
	require.NoError(t, err)

	feed := chanFeed{updateC: make(chan stream.Update, 4)}
	m := stream.Create(ctx, p, stream.DialerFunc(func(ctx context.Context, e *endpoint.Endpoint, topic stream.Topic) (stream.Feed, error) {
		return feed, nil
	}), stream.DefaultConfiguration())

	job := sgo.NewWallet().PublicKey()
	topic := stream.AccountTopic(job, "confirmed")
	ps := source.CreatePushSource(ctx, 10)
	require.NoError(t, ps.Watch(ctx, m, job, "confirmed", due))

	feed.updateC <- stream.Update{Topic: topic, Key: topic.Key(), Slot: 10, Data: []byte{0}}
	feed.updateC <- stream.Update{Topic: topic, Key: topic.Key(), Slot: 11, Data: []byte{1}}

	ctxRecv, cancelRecv := context.WithTimeout(ctx, 2*time.Second)
	defer cancelRecv()
	ev, err := ps.Recv(ctxRecv)
	require.NoError(t, err)
	require.Equal(t, job, ev.Message.JobId)
}

func TestPollingSource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := fakerpc.Start()
	defer s.Close()
	s.Handle("getAccountInfo", fakerpc.Account([]byte{1, 2, 3}, sgo.SystemProgramID, 1))
	e, err := endpoint.Create(endpoint.Configuration{Name: "a", RpcUrl: s.URL})
	require.NoError(t, err)
	p, err := pool.Create(pool.DefaultConfiguration(), []*endpoint.Endpoint{e})
	require.NoError(t, err)

	ps, err := source.CreatePollingSource(ctx, p, due, source.PollingConfiguration{Interval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer ps.Close()
	job := sgo.NewWallet().PublicKey()
	ps.Watch(job)

	ctxRecv, cancelRecv := context.WithTimeout(ctx, 2*time.Second)
	defer cancelRecv()
	ev, err := ps.Recv(ctxRecv)
	require.NoError(t, err)
	require.Equal(t, job, ev.Message.JobId)
	require.Less(t, 0, s.Calls("getAccountInfo"))
}
