package store

import (
	"context"
	"time"

	"github.com/parley/chat-app/internal/message"
	"github.com/parley/chat-app/internal/metrics"
)

// Instrument wraps s so every operation is recorded in the store latency
// histogram.
func Instrument(s Store) Store {
	return instrumented{next: s}
}

type instrumented struct {
	next Store
}

func (i instrumented) Create(ctx context.Context, msg *message.Message) (bool, error) {
	defer metrics.ObserveStore("create", time.Now())
	return i.next.Create(ctx, msg)
}

func (i instrumented) Get(ctx context.Context, id string) (*message.Message, error) {
	defer metrics.ObserveStore("get", time.Now())
	return i.next.Get(ctx, id)
}

func (i instrumented) History(ctx context.Context, userID, peerID string, q HistoryQuery) ([]message.Message, error) {
	defer metrics.ObserveStore("history", time.Now())
	return i.next.History(ctx, userID, peerID, q)
}

func (i instrumented) MarkSeen(ctx context.Context, receiverID string, ids []string) (int, error) {
	defer metrics.ObserveStore("mark_seen", time.Now())
	return i.next.MarkSeen(ctx, receiverID, ids)
}

func (i instrumented) Ping(ctx context.Context) error {
	return i.next.Ping(ctx)
}

func (i instrumented) Close() error {
	return i.next.Close()
}
