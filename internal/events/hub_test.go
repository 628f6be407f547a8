package events

import (
	"bytes"
	"context"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scorebook/internal/domain"
)

func quietHub(cfg HubConfig) *Hub {
	cfg.Logger = log.New(&bytes.Buffer{}, "", 0)
	return NewHub(cfg)
}

func TestHubDeliversToRoomOnly(t *testing.T) {
	h := quietHub(HubConfig{})
	a := h.Subscribe("a")
	b := h.Subscribe("b")
	require.NoError(t, h.Join(a, "m1"))
	require.NoError(t, h.Join(b, "m2"))

	op := domain.Operation{MatchID: "m1", Sequence: 4, Kind: domain.KindDeliverBall}
	h.OnAccepted(context.Background(), "m1", op, 4)

	select {
	case u := <-a.Updates():
		assert.Equal(t, UpdateType, u.Type)
		assert.Equal(t, "m1", u.MatchID)
		assert.Equal(t, int64(4), u.Version)
		assert.Equal(t, op, u.Operation)
	default:
		t.Fatal("expected update for subscriber a")
	}
	assert.Empty(t, b.Updates())
}

func TestHubDropsWhenQueueFull(t *testing.T) {
	h := quietHub(HubConfig{QueueSize: 1})
	a := h.Subscribe("a")
	require.NoError(t, h.Join(a, "m1"))

	h.OnAccepted(context.Background(), "m1", domain.Operation{Sequence: 1}, 1)
	h.OnAccepted(context.Background(), "m1", domain.Operation{Sequence: 2}, 2)

	assert.Equal(t, int64(1), h.Dropped())
	u := <-a.Updates()
	assert.Equal(t, int64(1), u.Version)
}

func TestHubJoinRateLimit(t *testing.T) {
	h := quietHub(HubConfig{JoinRate: 0.001, JoinBurst: 2})
	a := h.Subscribe("a")
	require.NoError(t, h.Join(a, "m1"))
	require.NoError(t, h.Leave(a, "m1"))
	assert.ErrorIs(t, h.Join(a, "m2"), ErrJoinRateLimited)
	assert.Equal(t, 0, h.Subscribers("m1"))
	assert.Equal(t, 0, h.Subscribers("m2"))

	other := h.Subscribe("other")
	assert.NoError(t, h.Join(other, "m2"), "limits are per subscriber")
}

func TestHubUnsubscribe(t *testing.T) {
	h := quietHub(HubConfig{})
	a := h.Subscribe("a")
	require.NoError(t, h.Join(a, "m1"))
	require.NoError(t, h.Join(a, "m2"))
	assert.Equal(t, 1, h.Subscribers("m1"))

	h.Unsubscribe(a)
	h.Unsubscribe(a)
	assert.Equal(t, 0, h.Subscribers("m1"))
	assert.Equal(t, 0, h.Subscribers("m2"))
	_, open := <-a.Updates()
	assert.False(t, open)
	assert.ErrorIs(t, h.Join(a, "m1"), ErrClosed)

	h.OnAccepted(context.Background(), "m1", domain.Operation{}, 1)
	assert.Equal(t, int64(0), h.Dropped())
}

func TestMultiPublisher(t *testing.T) {
	var got []int64
	p := Multi{
		PublisherFunc(func(_ context.Context, _ string, _ domain.Operation, v int64) { got = append(got, v) }),
		Nop{},
		PublisherFunc(func(_ context.Context, _ string, _ domain.Operation, v int64) { got = append(got, v*10) }),
	}
	p.OnAccepted(context.Background(), "m1", domain.Operation{}, 3)
	assert.Equal(t, []int64{3, 30}, got)
}

func TestJoinRacingUnsubscribeLeavesNoMember(t *testing.T) {
	h := quietHub(HubConfig{JoinRate: 1e6, JoinBurst: 1e6})
	for i := 0; i < 500; i++ {
		sub := h.Subscribe("racer")
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := h.Join(sub, "m1")
			if err != nil {
				assert.ErrorIs(t, err, ErrClosed)
			}
		}()
		go func() {
			defer wg.Done()
			h.Unsubscribe(sub)
		}()
		wg.Wait()
		require.Zero(t, h.Subscribers("m1"), "closed subscriber left in room")
	}

	closed := h.Subscribe("closed")
	h.Unsubscribe(closed)
	assert.ErrorIs(t, h.Join(closed, "m1"), ErrClosed)
	assert.Zero(t, h.Subscribers("m1"))
}
