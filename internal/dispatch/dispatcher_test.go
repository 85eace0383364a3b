package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomnagengast/revurb/internal/channel"
	"github.com/tomnagengast/revurb/internal/connection"
	"github.com/tomnagengast/revurb/internal/domain"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []string
	conn *connection.Connection
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(data))
	return nil
}
func (f *fakeConn) Close() error { return nil }

// events returns every frame sent so far, first moving the frames still
// waiting in the connection's outbound queue into the record (no write pump
// runs in these tests).
func (f *fakeConn) events() []string {
	if f.conn != nil {
		for pending := true; pending; {
			select {
			case frame := <-f.conn.SendChan():
				_ = f.WriteMessage(0, frame)
			default:
				pending = false
			}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeBus struct {
	mu        sync.Mutex
	published []map[string]any
}

func (b *fakeBus) PublishMessage(app domain.Application, payload map[string]any, exceptSocketID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, payload)
	return nil
}

func testApp() domain.Application {
	return domain.Application{AppID: "app1", Key: "K", Secret: "S"}
}

func subscribe(t *testing.T, mgr *channel.Manager, appID, name string) (*connection.Connection, *fakeConn) {
	t.Helper()
	fc := &fakeConn{}
	conn := connection.New(fc, testApp(), "")
	fc.conn = conn
	require.NoError(t, mgr.Subscribe(appID, conn, name, "", ""))
	return conn, fc
}

func TestDispatcher_SingleChannelExcludesSender(t *testing.T) {
	mgr := channel.NewManager()
	d := New(mgr, nil)

	sender, senderConn := subscribe(t, mgr, "app1", "room-1")
	_, otherConn := subscribe(t, mgr, "app1", "room-1")

	d.Dispatch(testApp(), Payload{Event: "greet", Channel: "room-1", Data: "hi"}, sender)

	assert.Len(t, senderConn.events(), 1, "sender only sees its own subscription_succeeded")
	assert.Len(t, otherConn.events(), 2, "other subscriber sees subscription_succeeded + greet")
}

func TestDispatcher_MultipleChannels(t *testing.T) {
	mgr := channel.NewManager()
	d := New(mgr, nil)

	_, connA := subscribe(t, mgr, "app1", "room-a")
	_, connB := subscribe(t, mgr, "app1", "room-b")

	d.Dispatch(testApp(), Payload{Event: "broadcast", Channels: []string{"room-a", "room-b"}, Data: "x"}, nil)

	assert.Len(t, connA.events(), 2)
	assert.Len(t, connB.events(), 2)
}

func TestDispatcher_UnknownChannelSkipsSilently(t *testing.T) {
	mgr := channel.NewManager()
	d := New(mgr, nil)

	assert.NotPanics(t, func() {
		d.Dispatch(testApp(), Payload{Event: "e", Channel: "does-not-exist"}, nil)
	})
}

func TestDispatcher_MirrorsToBus(t *testing.T) {
	mgr := channel.NewManager()
	bus := &fakeBus{}
	d := New(mgr, bus)

	subscribe(t, mgr, "app1", "room-1")
	d.Dispatch(testApp(), Payload{Event: "e", Channel: "room-1", Data: "x"}, nil)

	require.Len(t, bus.published, 1)
	assert.Equal(t, "room-1", bus.published[0]["channel"])
}

func TestDispatcher_DispatchRemoteDeliversLocally(t *testing.T) {
	mgr := channel.NewManager()
	d := New(mgr, nil)

	_, conn := subscribe(t, mgr, "app1", "room-1")

	d.DispatchRemote(testApp(), "room-1", nil, map[string]any{"event": "e", "data": "x"}, "")
	assert.Len(t, conn.events(), 2)
}
