package app

import (
	"context"
	"time"

	"golang.org/x/time/rate"
	"tasktimer/internal/eventbus"
	"tasktimer/internal/storage"
	"tasktimer/internal/task/timer"
	logx "tasktimer/pkg/logx"
)

const journalWriteTimeout = 2 * time.Second

// recordFromEvent maps a timer event to a journal record.
func recordFromEvent(e eventbus.Event) (storage.RunRecord, bool) {
	ev, ok := e.Data.(timer.RunEvent)
	if !ok {
		return storage.RunRecord{}, false
	}
	return storage.RunRecord{
		At:            e.Time,
		Timer:         ev.Timer,
		Event:         e.Type,
		Seq:           ev.Seq,
		Scheduled:     ev.Scheduled,
		TookMS:        ev.Duration.Milliseconds(),
		RunsCompleted: ev.RunsCompleted,
		Error:         ev.Error,
	}, true
}

// journal appends every timer event to store until events is closed.
// It drains what is buffered after close, so lifecycle events published
// during shutdown are kept.
func journal(events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	warn := rate.Sometimes{Interval: 10 * time.Second}
	for e := range events {
		rec, ok := recordFromEvent(e)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		err := store.AppendRun(ctx, rec)
		cancel()
		if err != nil {
			warn.Do(func() {
				log.Warn("journal write failed", logx.String("timer", rec.Timer), logx.String("event", rec.Event), logx.Err(err))
			})
		}
	}
}
