package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/jackkroninger/agent-api/internal/metrics"
	"github.com/jackkroninger/agent-api/internal/models"
	"github.com/jackkroninger/agent-api/internal/trainlog"
)

// FragmentWriter receives assistant text fragments in order. Returning an
// error aborts the stream (a disconnected client, typically).
type FragmentWriter func(ctx context.Context, fragment string) error

// Stream drains a turn's event channel, forwarding text fragments to write
// and discarding tool bracketing events. It returns the final assistant
// message on success.
//
// Cancelling ctx abandons the turn; the engine rolls the session back.
// Stream may return before that rollback has run: a caller that exits early
// (cancellation or a write failure) must cancel the turn and drain events to
// close before releasing the thread to a next turn.
func Stream(ctx context.Context, events <-chan Event, write FragmentWriter) (models.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return models.Message{}, ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return models.Message{}, fmt.Errorf("event stream closed without terminal event")
			}
			switch ev.Kind {
			case EventText:
				if write != nil {
					if err := write(ctx, ev.Fragment); err != nil {
						return models.Message{}, fmt.Errorf("write fragment: %w", err)
					}
				}
			case EventDone:
				return *ev.Final, nil
			case EventFailed:
				return models.Message{}, ev.Err
			}
		}
	}
}

// persistAsync writes the completed exchange to the turn log in the
// background. The write runs on its own context so a client disconnect
// after the final fragment cannot lose the exchange; failures are logged
// and the stream is never blocked or failed by them.
func (e *Engine) persistAsync(threadID, userID string, userMsg, final models.Message) {
	e.persistWG.Add(1)
	go func() {
		defer e.persistWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PersistTimeout)
		defer cancel()

		start := e.now()
		err := e.log.AppendTurn(ctx, threadID, userMsg, final)
		if err == nil && e.ckpt != nil {
			err = e.ckpt.UpsertSessionCheckpoint(ctx, threadID, userID, final.CreatedAt)
		}
		if e.stats != nil {
			e.stats.RecordTiming(metrics.OpPersistence, e.now().Sub(start))
		}
		if err != nil {
			e.logger.Error("turn persistence failed",
				"thread_id", threadID, "user_id", userID, "error", err)
			return
		}

		e.training.Record(trainlog.Entry{
			ThreadID:  threadID,
			UserID:    userID,
			UserMsg:   userMsg.Content,
			Assistant: final.Content,
			Time:      final.CreatedAt,
		})

		e.logger.Debug("turn persisted", "thread_id", threadID, "user_id", userID)
	}()
}

// WaitPersisted blocks until in-flight persistence goroutines finish, up to
// the given timeout. Used on shutdown.
func (e *Engine) WaitPersisted(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.persistWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
