package lifecycle

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/amitpaz1/formbridge/pkg/domain"
)

type HandoffResult struct {
	SubmissionID string       `json:"submissionId"`
	URL          string       `json:"url"`
	ResumeToken  string       `json:"resumeToken"`
	State        domain.State `json:"state"`
	ExpiresAt    *time.Time   `json:"expiresAt,omitempty"`
}

// GenerateHandoffURL returns a link a human can open to continue the
// submission. The link carries the current resume token, so it stays valid
// until the next write.
func (m *Manager) GenerateHandoffURL(ctx context.Context, submissionID string, actor domain.Actor) (*HandoffResult, error) {
	if !actor.Valid() {
		return nil, invalidActor()
	}
	unlock := m.locks.lock(submissionID)
	defer unlock()

	sub, err := m.store.Get(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.State == domain.StateExpired || (!sub.State.IsTerminal() && sub.ExpiredAt(m.now())) {
		return nil, &domain.SubmissionExpiredError{SubmissionID: sub.ID}
	}
	link := m.handoffURL(sub.ResumeToken)
	switch sub.State {
	case domain.StateDraft, domain.StateInProgress:
		if err := m.commit(ctx, sub, domain.StateAwaitingInput, actor, false); err != nil {
			return nil, err
		}
	case domain.StateAwaitingInput, domain.StateAwaitingUpload:
	default:
		return nil, &domain.InvalidStateTransitionError{SubmissionID: sub.ID, From: sub.State, To: domain.StateAwaitingInput}
	}
	m.emit(ctx, domain.EventHandoffLinkIssued, sub, actor, domain.HandoffIssued{URL: link})
	return &HandoffResult{
		SubmissionID: sub.ID,
		URL:          link,
		ResumeToken:  sub.ResumeToken,
		State:        sub.State,
		ExpiresAt:    sub.ExpiresAt,
	}, nil
}

func (m *Manager) handoffURL(token string) string {
	return strings.TrimRight(m.cfg.HandoffBaseURL, "/") + "/resume?token=" + url.QueryEscape(token)
}

// EmitHandoffResumed records that someone opened a handoff link.
func (m *Manager) EmitHandoffResumed(ctx context.Context, resumeToken string, actor domain.Actor) (*domain.Submission, error) {
	if !actor.Valid() {
		return nil, invalidActor()
	}
	if resumeToken == "" {
		return nil, &domain.InvalidResumeTokenError{}
	}
	found, err := m.store.GetByResumeToken(ctx, resumeToken)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.lock(found.ID)
	defer unlock()

	sub, err := m.load(ctx, found.ID, resumeToken)
	if err != nil {
		return nil, err
	}
	m.emit(ctx, domain.EventHandoffResumed, sub, actor, domain.HandoffResumed{ResumedBy: actor})
	return sub, nil
}
