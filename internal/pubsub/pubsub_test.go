package pubsub

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/efreitasn/certauction/internal/domain"
)

type delivery struct {
	room  string
	frame []byte
}

type recordingDeliverer struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recordingDeliverer) Deliver(room string, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{room: room, frame: frame})
}

func (r *recordingDeliverer) snapshot() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func TestChannelRoundTrip(t *testing.T) {
	require.Equal(t, "auction_events:C1", Channel("C1"))
	require.Equal(t, "C1", roomFromChannel(Channel("C1")))
	require.Equal(t, "auction_events:_all", Channel(""))
	require.Equal(t, "", roomFromChannel(Channel("")))
}

func TestSubject(t *testing.T) {
	require.Equal(t, "auction.events.bid-placed", Subject(domain.EventBidPlaced))
	require.Equal(t, "auction.events.auctionEnded", Subject(domain.EventAuctionEnded))
}

func TestRedisBridge_FullQueueDeliversLocally(t *testing.T) {
	// The client is never dialled: Publish only queues.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	local := &recordingDeliverer{}
	b := NewRedisBridge(client, local, 1, nil)

	b.Publish(domain.NewEvent(domain.EventBidPlaced, "C", time.Now(), nil))
	b.Publish(domain.NewEvent(domain.EventBidPlaced, "C", time.Now(), nil))

	got := local.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, "C", got[0].room)
	require.Len(t, b.queue, 1)
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	client, err := Connect(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisBridge_RoundTrip(t *testing.T) {
	client := redisClient(t)
	local := &recordingDeliverer{}
	b := NewRedisBridge(client, local, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// Retry until the subscription is live.
	ev := domain.NewEvent(domain.EventState, "C-bridge", time.Now(), domain.LedgerSnapshot{CertificateID: "C-bridge"})
	require.Eventually(t, func() bool {
		b.Publish(ev)
		time.Sleep(20 * time.Millisecond)
		return len(local.snapshot()) > 0
	}, 3*time.Second, 50*time.Millisecond)

	got := local.snapshot()[0]
	require.Equal(t, "C-bridge", got.room)
	var f domain.Frame
	require.NoError(t, json.Unmarshal(got.frame, &f))
	require.Equal(t, string(domain.EventState), f.Type)
}

func TestRedisLease_Exclusive(t *testing.T) {
	client := redisClient(t)
	key := "test:lease:" + time.Now().Format(time.RFC3339Nano)
	a := NewRedisLease(client, key, 5*time.Second, nil)
	b := NewRedisLease(client, key, 5*time.Second, nil)
	ctx := context.Background()

	release, ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	release()
	releaseB, ok, err := b.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	releaseB()
}

func TestNATSPublisher_PublishesBySubject(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	conn, err := ConnectNATS(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	sub, err := conn.SubscribeSync(SubjectPrefix + ".>")
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	p := NewNATSPublisher(conn, nil)
	p.Publish(domain.NewEvent(domain.EventHeartbeat, "", time.Now(), nil))
	p.Publish(domain.NewEvent(domain.EventAuctionStarted, "B", time.Now(), domain.RoundPayload{Kind: domain.RoundBatch, RoundID: "B"}))
	require.NoError(t, conn.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, Subject(domain.EventAuctionStarted), msg.Subject)

	_, err = sub.NextMsg(100 * time.Millisecond)
	require.ErrorIs(t, err, nats.ErrTimeout)
}
