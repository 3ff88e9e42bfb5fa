package sub_test

import (
	"context"
	"testing"
	"time"

	dssub "github.com/solpipe/delivery/ds/sub"
	"github.com/stretchr/testify/require"
)

func loopHome(ctx context.Context, home *dssub.SubHome[int], valueC <-chan int, failC <-chan error) {
	doneC := ctx.Done()
	defer home.Close()
out:
	for {
		select {
		case <-doneC:
			break out
		case v := <-valueC:
			home.Broadcast(v)
		case err := <-failC:
			home.Fail(err)
		case r := <-home.ReqC:
			home.Receive(r)
		case id := <-home.DeleteC:
			home.Delete(id)
		}
	}
}

func TestBroadcastFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	home := dssub.CreateSubHome[int]()
	valueC := make(chan int)
	failC := make(chan error)
	go loopHome(ctx, home, valueC, failC)

	all := dssub.SubscriptionRequest(home.ReqC, nil)
	even := dssub.SubscriptionRequest(home.ReqC, func(x int) bool { return x%2 == 0 })
	for i := 1; i <= 4; i++ {
		valueC <- i
	}
	for i := 1; i <= 4; i++ {
		require.Equal(t, i, <-all.StreamC)
	}
	require.Equal(t, 2, <-even.StreamC)
	require.Equal(t, 4, <-even.StreamC)

	even.Unsubscribe()
	require.NoError(t, <-even.ErrorC)

	failC <- context.DeadlineExceeded
	require.ErrorIs(t, <-all.ErrorC, context.DeadlineExceeded)
}

func TestSubscriptionRequestCtxGivesUp(t *testing.T) {
	reqC := make(chan dssub.ResponseChannel[int])
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := dssub.SubscriptionRequestCtx(ctx, reqC, 1, nil)
	require.Error(t, err)
}

func TestBroadcastNonBlocking(t *testing.T) {
	home := dssub.CreateSubHome[int]()
	respC := make(chan dssub.Subscription[int], 1)
	home.Receive(dssub.ResponseChannel[int]{RespC: respC})
	<-respC
	dropped := 0
	for i := 0; i < dssub.DEFAULT_BUFFER_SIZE+3; i++ {
		dropped += home.BroadcastNonBlocking(i)
	}
	require.Equal(t, 3, dropped)
}
