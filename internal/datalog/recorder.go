package datalog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/HyphaGroup/remora/internal/codec"
	"github.com/HyphaGroup/remora/internal/logger"
	"github.com/HyphaGroup/remora/internal/stream"
)

// Recorder copies every event published on one hub channel into a Store.
// The subscription is taken when the Recorder is created, so nothing
// published afterwards is missed unless the queue overflows.
type Recorder struct {
	store *Store
	codec *codec.Codec
	sub   *stream.Subscription
}

// NewRecorder subscribes to channel on hub. Payloads are encoded with cd.
func NewRecorder(store *Store, hub *stream.Hub, cd *codec.Codec, channel string) *Recorder {
	return &Recorder{store: store, codec: cd, sub: hub.Subscribe(channel)}
}

// Run stores events until ctx ends or the hub is closed. Events whose
// payload cannot be encoded are skipped.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.sub.Close()
	for e := range r.sub.All(ctx) {
		payload, err := r.codec.Marshal(e.Payload.Data)
		if err != nil {
			logger.WarnContext(ctx, "datalog event not encodable", "channel", e.Payload.Channel, "error", err)
			continue
		}
		rec := Record{
			Time:    time.Now(),
			Channel: e.Payload.Channel,
			Type:    e.Payload.Type,
			Hash:    e.Payload.Hash,
			Packet:  e.Packet,
			Payload: json.RawMessage(payload),
		}
		if _, err := r.store.Append(context.WithoutCancel(ctx), rec); err != nil {
			logger.ErrorContext(ctx, "datalog append failed", "channel", rec.Channel, "error", err)
		}
	}
	return nil
}

// Close releases the subscription, ending Run.
func (r *Recorder) Close() {
	r.sub.Close()
}
