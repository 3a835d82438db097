package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

// ChangeHandler reacts to a board-changed event for one partition.
type ChangeHandler func(ctx context.Context, partition string)

// ChangeFeed polls the change queue and invokes the handler for each event.
// It drives the "external refresh" path: stores defer the resulting refresh
// themselves while a drag is in progress.
type ChangeFeed struct {
	storage  *Storage
	handler  ChangeHandler
	interval time.Duration
	logger   *log.Logger
}

// NewChangeFeed creates a feed polling at the given interval.
func NewChangeFeed(s *Storage, handler ChangeHandler, interval time.Duration, logger *log.Logger) *ChangeFeed {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = log.New()
	}
	return &ChangeFeed{storage: s, handler: handler, interval: interval, logger: logger}
}

// Run polls until the context is cancelled.
func (f *ChangeFeed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.drain(ctx)
		}
	}
}

func (f *ChangeFeed) drain(ctx context.Context) {
	maxMessages := int32(16)
	visibility := int32(30)
	for {
		resp, err := f.storage.changeQueue.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
			NumberOfMessages:  &maxMessages,
			VisibilityTimeout: &visibility,
		})
		if err != nil {
			f.logger.WithError(err).Warn("change feed dequeue failed")
			return
		}
		if len(resp.Messages) == 0 {
			return
		}
		for _, m := range resp.Messages {
			if m.MessageText != nil {
				var ev changeEvent
				if err := json.Unmarshal([]byte(*m.MessageText), &ev); err != nil {
					f.logger.WithError(err).Warn("malformed change event dropped")
				} else if ev.UserID != "" {
					f.handler(ctx, ev.UserID)
				}
			}
			if m.MessageID == nil || m.PopReceipt == nil {
				continue
			}
			if _, err := f.storage.changeQueue.DeleteMessage(ctx, *m.MessageID, *m.PopReceipt, nil); err != nil {
				f.logger.WithError(err).Warn("change event ack failed")
			}
		}
	}
}
