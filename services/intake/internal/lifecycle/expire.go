package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/amitpaz1/formbridge/pkg/domain"
)

// ExpireStaleSubmissions moves every open submission past its expiry to
// expired and reports how many moved. Each submission is handled under its
// own lock and re-checked after loading, so repeated or concurrent sweeps
// never expire a submission twice.
func (m *Manager) ExpireStaleSubmissions(ctx context.Context) (int, error) {
	now := m.now()
	ids, err := m.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	var (
		count int
		errs  []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		moved, err := m.expireOne(ctx, id)
		if err != nil {
			m.logger.WarnContext(ctx, "expire submission failed",
				slog.String("module", "lifecycle"),
				slog.String("submission_id", id),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		if moved {
			count++
		}
	}
	return count, errors.Join(errs...)
}

func (m *Manager) expireOne(ctx context.Context, id string) (bool, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	sub, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrSubmissionNotFound) {
			return false, nil
		}
		return false, err
	}
	if sub.State.IsTerminal() || !sub.ExpiredAt(m.now()) {
		return false, nil
	}
	from := sub.State
	if err := m.commit(ctx, sub, domain.StateExpired, domain.SystemActor, false); err != nil {
		return false, err
	}
	m.emit(ctx, domain.EventSubmissionExpired, sub, domain.SystemActor,
		domain.Transitioned{From: from, To: domain.StateExpired, Reason: "ttl elapsed"})
	return true, nil
}
