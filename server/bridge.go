package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dotside-studios/tagsync-agent/protocol"
	"github.com/dotside-studios/tagsync-agent/tag"
)

const historyWriteTimeout = 5 * time.Second

// HistoryStore persists finished syncs.
type HistoryStore interface {
	RecordSync(ctx context.Context, deviceID string, result tag.SyncResult, finishedAt time.Time) (string, error)
	History(ctx context.Context, deviceID string, limit int) ([]protocol.HistoryEntry, error)
}

// syncBridge connects the sync engines of every connection to the rest of
// the service: it publishes sync progress for autoSync subscribers and
// records every finished sync in the history store.
type syncBridge struct {
	registry *Registry
	history  HistoryStore
	logger   *slog.Logger
	wg       sync.WaitGroup
}

var _ tag.SyncListener = (*syncBridge)(nil)

func newSyncBridge(r *Registry, history HistoryStore, logger *slog.Logger) *syncBridge {
	return &syncBridge{
		registry: r,
		history:  history,
		logger:   logger.With("component", "bridge"),
	}
}

func (b *syncBridge) SyncStarted(deviceID string) {
	b.registry.setSyncState(SyncState{DeviceID: deviceID, Syncing: true})
}

func (b *syncBridge) SyncFinished(deviceID string, result tag.SyncResult) {
	b.logger.Info("sync finished", "device", deviceID, "result", result.String())
	b.registry.setSyncState(SyncState{DeviceID: deviceID, Result: result.String()})
	if b.history == nil {
		return
	}

	// Listener calls are serialized per engine; keep the store write off
	// that path.
	finishedAt := time.Now()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		defer cancel()
		if _, err := b.history.RecordSync(ctx, deviceID, result, finishedAt); err != nil {
			b.logger.Warn("recording sync history failed", "device", deviceID, "error", err)
		}
	}()
}

func (b *syncBridge) wait() { b.wg.Wait() }
