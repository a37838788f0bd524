package room

import (
	"encoding/json"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/collabkit/roomkit/internal/domain/model"
)

func pushJSON(ch *fakeChannel, v map[string]any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	ch.serverPush(data)
}

func TestOthersVisibilityLifecycle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{})
		events := &recorder[OthersEvent]{}
		f.room.SubscribeOthers(func(ev OthersEvent) { events.add(ev) })
		ch := f.connectAndLoad()

		// Metadata alone does not make a peer visible, and emits nothing.
		pushJSON(ch, map[string]any{
			"type": 101, "actor": 2, "id": "u2",
			"scopes": []string{"room:read", "room:write", "room:presence:write"},
		})
		require.Empty(t, f.room.Others())
		require.Empty(t, events.list())

		// The joiner is sent our full presence, addressed to them alone.
		time.Sleep(200 * time.Millisecond)
		var targeted bool
		for _, fr := range framesOfType(ch.sentFrames(t), float64(model.ClientUpdatePresence)) {
			if fr["targetActor"] == float64(2) {
				targeted = true
			}
		}
		require.True(t, targeted)

		// The presence keyframe completes the picture: enter.
		pushJSON(ch, map[string]any{
			"type": 100, "actor": 2, "targetActor": 1,
			"data": map[string]any{"x": float64(1)},
		})
		require.Len(t, f.room.Others(), 1)
		require.Equal(t, float64(1), f.room.Others()[0].Presence["x"])
		evs := events.list()
		require.Len(t, evs, 1)
		require.Equal(t, OthersEnter, evs[0].Type)
		require.Equal(t, 2, evs[0].User.ConnectionID)

		// A patch updates in place.
		pushJSON(ch, map[string]any{
			"type": 100, "actor": 2, "data": map[string]any{"x": float64(9)},
		})
		evs = events.list()
		require.Len(t, evs, 2)
		require.Equal(t, OthersUpdate, evs[1].Type)
		require.Equal(t, float64(9), f.room.Others()[0].Presence["x"])

		// Leaving emits exactly once, with the final snapshot.
		pushJSON(ch, map[string]any{"type": 102, "actor": 2})
		evs = events.list()
		require.Len(t, evs, 3)
		require.Equal(t, OthersLeave, evs[2].Type)
		require.Empty(t, evs[2].Others)
		require.Empty(t, f.room.Others())

		f.room.Disconnect()
	})
}

func TestPresenceForUnknownActorStaysInvisible(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{})
		events := &recorder[OthersEvent]{}
		f.room.SubscribeOthers(func(ev OthersEvent) { events.add(ev) })
		ch := f.connectAndLoad()

		// Presence without connection metadata: known but invisible.
		pushJSON(ch, map[string]any{
			"type": 100, "actor": 9, "targetActor": 1,
			"data": map[string]any{"x": float64(1)},
		})
		require.Empty(t, f.room.Others())
		require.Empty(t, events.list())

		f.room.Disconnect()
	})
}

func TestRoomStateReconciles(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{})
		events := &recorder[OthersEvent]{}
		f.room.SubscribeOthers(func(ev OthersEvent) { events.add(ev) })
		ch := f.connectAndLoad()

		join := func(actor int) {
			pushJSON(ch, map[string]any{
				"type": 101, "actor": actor, "id": "u",
				"scopes": []string{"room:read", "room:write", "room:presence:write"},
			})
			pushJSON(ch, map[string]any{
				"type": 100, "actor": actor, "targetActor": 1,
				"data": map[string]any{"k": float64(actor)},
			})
		}
		join(2)
		join(3)
		require.Len(t, f.room.Others(), 2)
		before := len(events.list())

		// The authoritative roster no longer lists actor 3.
		pushJSON(ch, map[string]any{
			"type": 104,
			"users": map[string]any{
				"2": map[string]any{"id": "u2", "scopes": []string{"room:read", "room:write", "room:presence:write"}},
			},
		})
		evs := events.list()
		require.Len(t, evs, before+1)
		require.Equal(t, OthersReset, evs[len(evs)-1].Type)
		require.Len(t, f.room.Others(), 1)
		require.Equal(t, 2, f.room.Others()[0].ConnectionID)

		f.room.Disconnect()
	})
}

func TestBroadcastedEventReachesSubscribers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{})
		events := &recorder[CustomEvent]{}
		f.room.SubscribeEvent(func(ev CustomEvent) { events.add(ev) })
		ch := f.connectAndLoad()

		pushJSON(ch, map[string]any{
			"type": 103, "actor": 4,
			"event": map[string]any{"emoji": "🎉"},
		})
		evs := events.list()
		require.Len(t, evs, 1)
		require.Equal(t, 4, evs[0].ConnectionID)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(evs[0].Event, &payload))
		require.Equal(t, "🎉", payload["emoji"])

		f.room.Disconnect()
	})
}

func TestRemoteStorageUpdateNotifiesObservers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{})
		ch := f.connectAndLoad(rootItem(map[string]any{"a": float64(0)}))
		emissions := &recorder[StorageUpdates]{}
		f.room.SubscribeStorageAny(func(u StorageUpdates) { emissions.add(u) })

		pushJSON(ch, map[string]any{
			"type": 201,
			"ops": []any{map[string]any{
				"type": 3, "id": "0:0", "opId": "7:0",
				"data": map[string]any{"a": float64(42)},
			}},
		})
		require.Len(t, emissions.list(), 1)
		root, err := f.room.GetStorage(t.Context())
		require.NoError(t, err)
		require.Equal(t, float64(42), root.Get("a"))

		f.room.Disconnect()
	})
}

func TestCreateThenMutateCollapses(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{})
		ch := f.connectAndLoad(rootItem(nil))
		emissions := &recorder[StorageUpdates]{}
		f.room.SubscribeStorageAny(func(u StorageUpdates) { emissions.add(u) })

		// A remote actor creates an object and mutates it in one frame: the
		// creation carries the state, the follow-up update is silent.
		pushJSON(ch, map[string]any{
			"type": 201,
			"ops": []any{
				map[string]any{"type": 4, "id": "7:1", "parentId": "0:0", "parentKey": "card", "data": map[string]any{}, "opId": "7:0"},
				map[string]any{"type": 3, "id": "7:1", "data": map[string]any{"x": float64(1)}, "opId": "7:1"},
			},
		})
		evs := emissions.list()
		require.Len(t, evs, 1)
		require.Len(t, evs[0], 1)
		require.Equal(t, "0:0", evs[0][0].Node().ID(), "only the root attach surfaces")

		f.room.Disconnect()
	})
}

func TestRejectStorageOpPanicsInStrictMode(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{})
		ch := f.connectAndLoad(rootItem(nil))

		require.Panics(t, func() {
			pushJSON(ch, map[string]any{
				"type": 299, "opIds": []string{"1:0"}, "reason": "schema mismatch",
			})
		})
	})
}

func TestRejectStorageOpLogsInProduction(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{Production: true})
		errs := &recorder[error]{}
		f.room.SubscribeError(func(err error) { errs.add(err) })
		ch := f.connectAndLoad(rootItem(nil))

		require.NotPanics(t, func() {
			pushJSON(ch, map[string]any{
				"type": 299, "opIds": []string{"1:0"}, "reason": "schema mismatch",
			})
		})
		evs := errs.list()
		require.Len(t, evs, 1)
		var rej *StorageMutationRejectedError
		require.ErrorAs(t, evs[0], &rej)
		require.Equal(t, "schema mismatch", rej.Reason)

		f.room.Disconnect()
	})
}

func TestDisconnectClearsOthersAndSubscribers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{})
		events := &recorder[OthersEvent]{}
		f.room.SubscribeOthers(func(ev OthersEvent) { events.add(ev) })
		ch := f.connectAndLoad()

		pushJSON(ch, map[string]any{
			"type": 101, "actor": 2, "id": "u2",
			"scopes": []string{"room:read", "room:write", "room:presence:write"},
		})
		pushJSON(ch, map[string]any{
			"type": 100, "actor": 2, "targetActor": 1,
			"data": map[string]any{},
		})
		require.Len(t, f.room.Others(), 1)

		f.room.Disconnect()
		require.Empty(t, f.room.Others())
		countAfter := len(events.list())

		// Subscribers were dropped with the session.
		f.room.Connect()
		synctest.Wait()
		f.dialer.last().serverPush([]byte(`{"type":102,"actor":2}`))
		require.Len(t, events.list(), countAfter)

		f.room.Disconnect()
	})
}
