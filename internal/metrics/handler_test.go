package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/connection"
	"github.com/tomnagengast/revurb/internal/domain"
	"github.com/tomnagengast/revurb/internal/pubsub"
)

type fakeConn struct{}

func (fakeConn) WriteMessage(_ int, _ []byte) error { return nil }
func (fakeConn) Close() error                       { return nil }

func testApp() domain.Application {
	return domain.Application{AppID: "app1", Key: "K", Secret: "S"}
}

func TestHandler_LocalModeHasNoProvider(t *testing.T) {
	mgr := channel.NewManager()
	conn := connection.New(fakeConn{}, testApp(), "")
	require.NoError(t, mgr.Subscribe("app1", conn, "room-1", "", ""))

	h := NewHandler(mgr, nil, 0)
	result := h.Collect(context.Background(), testApp(), CollectRequest{
		AppID: "app1", Kind: "channels", Fields: []string{"subscription_count"},
	})

	require.Contains(t, result.Channels, "room-1")
	require.NotNil(t, result.Channels["room-1"].SubscriptionCount)
	assert.Equal(t, 1, *result.Channels["room-1"].SubscriptionCount)
}

func TestHandler_SingleChannelInfo(t *testing.T) {
	mgr := channel.NewManager()
	conn := connection.New(fakeConn{}, testApp(), "")
	require.NoError(t, mgr.Subscribe("app1", conn, "public-room", "", ""))

	h := NewHandler(mgr, nil, 0)
	result := h.Collect(context.Background(), testApp(), CollectRequest{
		AppID: "app1", Kind: "channel", ChannelName: "public-room", Fields: []string{"subscription_count"},
	})

	require.Len(t, result.Channels, 1)
	assert.True(t, result.Channels["public-room"].Occupied)
}

// fakeProvider routes published envelopes directly back to registered
// handlers, simulating a fleet without a real broker.
type fakeProvider struct {
	mu       sync.Mutex
	handlers map[string][]pubsub.Handler
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{handlers: make(map[string][]pubsub.Handler)}
}
func (f *fakeProvider) Connect() error    { return nil }
func (f *fakeProvider) Disconnect() error { return nil }
func (f *fakeProvider) Publish(env pubsub.Envelope) error {
	f.mu.Lock()
	hs := append([]pubsub.Handler(nil), f.handlers[env.Type]...)
	f.mu.Unlock()
	for _, h := range hs {
		go h(env)
	}
	return nil
}
func (f *fakeProvider) On(envelopeType string, handler pubsub.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[envelopeType] = append(f.handlers[envelopeType], handler)
}

func TestHandler_DistributedModeMergesPeerReply(t *testing.T) {
	localMgr := channel.NewManager()
	conn := connection.New(fakeConn{}, testApp(), "")
	require.NoError(t, localMgr.Subscribe("app1", conn, "room-local", "", ""))
	provider := newFakeProvider()
	localHandler := NewHandler(localMgr, provider, 1)

	peerMgr := channel.NewManager()
	peerConn := connection.New(fakeConn{}, testApp(), "")
	require.NoError(t, peerMgr.Subscribe("app1", peerConn, "room-peer", "", ""))
	_ = NewHandler(peerMgr, provider, 1) // registers its own peer-request handler

	result := localHandler.Collect(context.Background(), testApp(), CollectRequest{
		AppID: "app1", Kind: "channels", Fields: []string{"subscription_count"},
	})

	assert.Contains(t, result.Channels, "room-local")
	assert.Contains(t, result.Channels, "room-peer")
}

func TestHandler_ZeroPeerFleetFastPath(t *testing.T) {
	mgr := channel.NewManager()
	provider := newFakeProvider() // no peer ever registers a reply handler
	h := NewHandler(mgr, provider, 0)

	done := make(chan CollectResult, 1)
	go func() {
		done <- h.Collect(context.Background(), testApp(), CollectRequest{AppID: "app1", Kind: "channels"})
	}()

	select {
	case result := <-done:
		assert.Empty(t, result.Channels)
	case <-time.After(time.Second):
		t.Fatal("Collect with zero known peers must not wait for the 10s fleet timeout")
	}
}

func TestCollectResult_MergeDeduplicatesUsers(t *testing.T) {
	r := newCollectResult()
	r.Users = []string{"u1"}
	r.merge(CollectResult{Users: []string{"u1", "u2"}})
	assert.ElementsMatch(t, []string{"u1", "u2"}, r.Users)
}
