package room

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/collabkit/roomkit/internal/domain/model"
)

// --- fakes ---

type fakeAuth struct {
	mu    sync.Mutex
	calls int
	make  func() (*model.Token, error)
}

func (a *fakeAuth) Authorize(ctx context.Context, roomID string) (*model.Token, error) {
	a.mu.Lock()
	a.calls++
	mk := a.make
	a.mu.Unlock()
	return mk()
}

func (a *fakeAuth) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeChannel struct {
	mu       sync.Mutex
	handler  ChannelHandler
	frames   [][]byte
	closed   bool
	autoPong bool
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("send on closed channel")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	pong := c.autoPong && string(data) == "ping"
	c.mu.Unlock()
	if pong {
		go c.handler.OnMessage([]byte("pong"))
	}
	return nil
}

func (c *fakeChannel) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// sentFrames decodes every non-ping frame into its message objects.
func (c *fakeChannel) sentFrames(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, data := range c.sent() {
		if string(data) == "ping" {
			continue
		}
		out = append(out, decodeFrame(t, data)...)
	}
	return out
}

func (c *fakeChannel) serverPush(data []byte) {
	c.handler.OnMessage(data)
}

func (c *fakeChannel) serverClose(code int, reason string) {
	c.handler.OnClose(code, reason)
}

type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	dialErr  error
	gate     chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string, h ChannelHandler) (Channel, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		err := d.dialErr
		d.dialErr = nil
		return nil, err
	}
	ch := &fakeChannel{handler: h}
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

// --- helpers ---

func testToken(actor int, scopes []string, ttl time.Duration) (*model.Token, error) {
	now := time.Now()
	payload, err := json.Marshal(map[string]any{
		"actor":  actor,
		"scopes": scopes,
		"id":     fmt.Sprintf("user-%d", actor),
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	})
	if err != nil {
		return nil, err
	}
	enc := base64.RawURLEncoding
	raw := enc.EncodeToString([]byte(`{"alg":"HS256"}`)) + "." +
		enc.EncodeToString(payload) + "." + enc.EncodeToString([]byte("sig"))
	return model.ParseToken(raw)
}

func decodeFrame(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	if len(data) > 0 && data[0] == '[' {
		var arr []map[string]any
		require.NoError(t, json.Unmarshal(data, &arr))
		return arr
	}
	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	return []map[string]any{obj}
}

func storageFrame(items ...model.StorageItem) []byte {
	pairs := make([][2]any, len(items))
	for i, it := range items {
		pairs[i] = [2]any{it.ID, it.Node}
	}
	data, err := json.Marshal(map[string]any{"type": model.ServerInitialStorageState, "items": pairs})
	if err != nil {
		panic(err)
	}
	return data
}

func rootItem(data map[string]any) model.StorageItem {
	return model.StorageItem{ID: "0:0", Node: model.SerializedCrdt{Kind: model.CrdtObject, Data: data}}
}

func childItem(id string, kind model.CrdtKind, parentID, parentKey string) model.StorageItem {
	return model.StorageItem{ID: id, Node: model.SerializedCrdt{
		Kind: kind, ParentID: parentID, ParentKey: parentKey,
	}}
}

type fixture struct {
	t      *testing.T
	room   *Room
	dialer *fakeDialer
	auth   *fakeAuth
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.RoomID == "" {
		opts.RoomID = "room-under-test"
	}
	if opts.ServerURL == "" {
		opts.ServerURL = "ws://server.test/v1"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	auth := &fakeAuth{make: func() (*model.Token, error) {
		return testToken(1, []string{"room:read", "room:write", "room:presence:write"}, time.Hour)
	}}
	dialer := &fakeDialer{}
	return &fixture{t: t, room: New(opts, auth, dialer), dialer: dialer, auth: auth}
}

// connectAndLoad joins the room and, when items are given, feeds the
// initial storage snapshot. Must run inside a synctest bubble.
func (f *fixture) connectAndLoad(items ...model.StorageItem) *fakeChannel {
	f.t.Helper()
	f.room.Connect()
	synctest.Wait()
	ch := f.dialer.last()
	require.NotNil(f.t, ch, "dial did not happen")
	if len(items) > 0 {
		ch.serverPush(storageFrame(items...))
	}
	return ch
}

// recorder is a goroutine-safe event collector; deliveries can arrive from
// the room's internal goroutines.
type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
}

func (r *recorder[T]) list() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

// framesOfType filters decoded outbound messages by opcode.
func framesOfType(frames []map[string]any, opcode float64) []map[string]any {
	var out []map[string]any
	for _, fr := range frames {
		if fr["type"] == opcode {
			out = append(out, fr)
		}
	}
	return out
}
