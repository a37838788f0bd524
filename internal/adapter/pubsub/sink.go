package pubsub

import (
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/collabkit/roomkit/internal/domain/model"
	"github.com/collabkit/roomkit/internal/room"
)

// Topics published by the sink.
const (
	TopicConnection    = "room.connection"
	TopicOthers        = "room.others"
	TopicCustomEvent   = "room.event"
	TopicStorageStatus = "room.storage_status"
	TopicError         = "room.error"
)

// Sink bridges room subscriptions onto a watermill publisher.
type Sink struct {
	logger    *slog.Logger
	publisher message.Publisher
}

func NewSink(publisher message.Publisher, logger *slog.Logger) *Sink {
	return &Sink{logger: logger, publisher: publisher}
}

// Attach subscribes the sink to the room's event channels and returns a
// detach function.
func (s *Sink) Attach(r *room.Room) func() {
	roomID := r.ID()
	unsubs := []func(){
		r.SubscribeConnection(func(c model.Connection) {
			s.publish(TopicConnection, roomID, map[string]any{
				"state": c.State, "actor": c.Actor, "readOnly": c.IsReadOnly,
			})
		}),
		r.SubscribeOthers(func(ev room.OthersEvent) {
			s.publish(TopicOthers, roomID, map[string]any{
				"type": ev.Type, "user": ev.User, "others": ev.Others,
			})
		}),
		r.SubscribeEvent(func(ev room.CustomEvent) {
			s.publish(TopicCustomEvent, roomID, map[string]any{
				"connectionId": ev.ConnectionID, "event": json.RawMessage(ev.Event),
			})
		}),
		r.SubscribeStorageStatus(func(st model.StorageStatus) {
			s.publish(TopicStorageStatus, roomID, map[string]any{"status": st})
		}),
		r.SubscribeError(func(err error) {
			s.publish(TopicError, roomID, map[string]any{"error": err.Error()})
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (s *Sink) publish(topic, roomID string, body map[string]any) {
	body["room"] = roomID
	payload, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("sink: marshal event", "topic", topic, "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := s.publisher.Publish(topic, msg); err != nil {
		s.logger.Error("sink: publish failed", "topic", topic, "error", err)
	}
}
