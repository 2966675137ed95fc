package do

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cuemby/bunflare/pkg/log"
)

// backoffSeconds is the alarm retry schedule: 1, 2, 4, 8, 16, 32 seconds,
// up to six retries.
var backoffSeconds = []int{1, 2, 4, 8, 16, 32}

// SetAlarm schedules id's alarm for when, persisting it so a process
// restart can recover it.
func (ns *Namespace) SetAlarm(ctx context.Context, id string, when time.Time) error {
	_, err := ns.store.DB().ExecContext(ctx,
		`INSERT INTO do_alarms (class, id, scheduled_at, retry_count) VALUES (?, ?, ?, 0)
		 ON CONFLICT (class, id) DO UPDATE SET scheduled_at = excluded.scheduled_at, retry_count = 0`,
		ns.class, id, when.UnixMilli())
	if err != nil {
		return fmt.Errorf("do: setAlarm: %w", err)
	}
	ns.scheduleTimer(id, when, 0)
	return nil
}

// GetAlarm returns the scheduled time for id's alarm, or the zero time if
// none is set.
func (ns *Namespace) GetAlarm(ctx context.Context, id string) (time.Time, error) {
	var scheduledAt int64
	row := ns.store.DB().QueryRowContext(ctx,
		`SELECT scheduled_at FROM do_alarms WHERE class = ? AND id = ?`, ns.class, id)
	if err := row.Scan(&scheduledAt); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("do: getAlarm: %w", err)
	}
	return time.UnixMilli(scheduledAt), nil
}

// DeleteAlarm cancels id's alarm.
func (ns *Namespace) DeleteAlarm(ctx context.Context, id string) error {
	_, err := ns.store.DB().ExecContext(ctx, `DELETE FROM do_alarms WHERE class = ? AND id = ?`, ns.class, id)
	if err != nil {
		return fmt.Errorf("do: deleteAlarm: %w", err)
	}
	return nil
}

func (ns *Namespace) scheduleTimer(id string, when time.Time, retryCount int) {
	delay := time.Until(when)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		ns.fireAlarm(id, retryCount)
	})
}

func (ns *Namespace) fireAlarm(id string, retryCount int) {
	ctx := context.Background()
	logger := log.WithBinding("do", ns.slot)

	// The row is deleted before invoking the handler; on failure it is
	// re-persisted with the incremented retry count so a restart picks it
	// up again.
	if _, err := ns.store.DB().ExecContext(ctx, `DELETE FROM do_alarms WHERE class = ? AND id = ?`, ns.class, id); err != nil {
		logger.Error().Err(err).Str("id", id).Msg("failed to clear alarm row before firing")
		return
	}

	a := ns.actorFor(id)
	alarmer, ok := a.instance.(Alarmer)
	if !ok {
		logger.Warn().Str("id", id).Msg("alarm fired but instance does not implement Alarmer")
		return
	}

	if err := a.state.readiness.wait(ctx); err != nil {
		logger.Error().Err(err).Str("id", id).Msg("alarm skipped: instance never became ready")
		return
	}

	err := alarmer.Alarm(ctx, retryCount, retryCount > 0)
	if err == nil {
		return
	}

	logger.Error().Err(err).Str("id", id).Int("retry_count", retryCount).Msg("alarm handler failed")
	if retryCount >= len(backoffSeconds) {
		return
	}

	nextRetry := retryCount + 1
	nextWhen := time.Now().Add(time.Duration(backoffSeconds[retryCount]) * time.Second)
	if _, err := ns.store.DB().ExecContext(ctx,
		`INSERT INTO do_alarms (class, id, scheduled_at, retry_count) VALUES (?, ?, ?, ?)`,
		ns.class, id, nextWhen.UnixMilli(), nextRetry); err != nil {
		logger.Error().Err(err).Str("id", id).Msg("failed to persist alarm retry")
		return
	}
	ns.scheduleTimer(id, nextWhen, nextRetry)
}

// RescheduleAll re-arms every alarm persisted for this class, used on
// process startup to recover alarms a prior process instance had pending.
func (ns *Namespace) RescheduleAll(ctx context.Context) error {
	rows, err := ns.store.DB().QueryContext(ctx,
		`SELECT id, scheduled_at, retry_count FROM do_alarms WHERE class = ?`, ns.class)
	if err != nil {
		return fmt.Errorf("do: rescheduleAll: %w", err)
	}
	defer rows.Close()

	type pending struct {
		id         string
		scheduledAt int64
		retryCount  int
	}
	var all []pending
	for rows.Next() {
		var p pending
		if scanErr := rows.Scan(&p.id, &p.scheduledAt, &p.retryCount); scanErr != nil {
			return fmt.Errorf("do: rescheduleAll scan: %w", scanErr)
		}
		all = append(all, p)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return rowsErr
	}

	for _, p := range all {
		ns.scheduleTimer(p.id, time.UnixMilli(p.scheduledAt), p.retryCount)
	}
	return nil
}
