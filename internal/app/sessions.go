package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/okian/cardrank/internal/domain/hierarchy"
	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/internal/domain/session"
	"github.com/okian/cardrank/pkg/logger"
	"github.com/okian/cardrank/pkg/metrics"
)

// SessionView is a session together with the step the client takes next.
type SessionView struct {
	Session *model.Session
	Next    session.Next
}

// StepResult is the answer to an intake or comparison.
type StepResult struct {
	SessionID string
	Status    model.Status
	Version   int64
	Next      session.Next
	Completed bool
	Duplicate bool
	// ChildSession is the hierarchy session the client should play next,
	// set when this step completed a hierarchical root or child session.
	ChildSession string
}

// Results is a session's personal ranking plus, for hierarchical play, the
// flattened multi-level ranking.
type Results struct {
	SessionID       string
	Status          model.Status
	Ranking         []string
	Hierarchical    []model.ResultEntry
	HierarchyStatus model.HierarchyStatus
	ActiveSession   string
}

// StartSession creates a session over the active deck of familyID.
func (s *Service) StartSession(ctx context.Context, familyID, mode string) (SessionView, error) {
	m, err := model.ParseMode(mode, s.defaultMode)
	if err != nil {
		return SessionView{}, err
	}
	deck, err := s.catalog.Deck(familyID)
	if err != nil {
		return SessionView{}, err
	}
	sess, err := session.New(uuid.NewString(), familyID, m, deck, s.now())
	if err != nil {
		return SessionView{}, err
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return SessionView{}, err
	}
	metrics.RecordSessionStarted(string(m))
	s.logger.Debug(ctx, "session started",
		logger.String("session_id", sess.ID),
		logger.String("family_id", familyID),
		logger.String("mode", string(m)),
		logger.Int("deck", len(deck)),
	)

	if sess.Done() {
		// Empty deck: nothing to play, but the completion still flows through.
		metrics.RecordSessionCompleted(string(m))
		if _, err := s.afterComplete(ctx, sess); err != nil {
			return SessionView{}, err
		}
	}
	return SessionView{Session: sess, Next: session.NextOf(sess)}, nil
}

// GetSession returns the session and its next step.
func (s *Service) GetSession(ctx context.Context, id string) (SessionView, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{Session: sess, Next: session.NextOf(sess)}, nil
}

// SubmitIntake applies an accept or reject decision.
func (s *Service) SubmitIntake(ctx context.Context, id string, version int64, itemID, decision string) (StepResult, error) {
	d, err := model.ParseDecision(decision)
	if err != nil {
		return StepResult{}, err
	}
	res, err := s.step(ctx, id, version, "intake", func(sess *model.Session) (session.Outcome, error) {
		return session.Intake(sess, itemID, d, s.now())
	})
	if err == nil && !res.Duplicate {
		metrics.RecordIntake(string(d))
	}
	return res, err
}

// SubmitComparison records which of two items the user prefers.
func (s *Service) SubmitComparison(ctx context.Context, id string, version int64, itemA, itemB, winner string) (StepResult, error) {
	res, err := s.step(ctx, id, version, "comparison", func(sess *model.Session) (session.Outcome, error) {
		return session.Compare(sess, itemA, itemB, winner, s.now())
	})
	if err == nil && !res.Duplicate {
		metrics.RecordComparison()
	}
	return res, err
}

// step runs one transition with optimistic concurrency. Duplicates are
// answered whatever the supplied version, so a client retrying a lost response
// gets the current state back instead of a conflict.
func (s *Service) step(ctx context.Context, id string, version int64, kind string, apply func(*model.Session) (session.Outcome, error)) (StepResult, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return StepResult{}, err
	}
	stored := sess.Version

	out, err := apply(sess)
	if err == nil && out.Duplicate {
		metrics.RecordDuplicateEvent(kind)
		res := result(sess, out)
		if isRoot(sess) {
			// A repeated final step hands out the hierarchy's next session,
			// planning it again if the first completion never recorded it.
			if res.ChildSession, err = s.driveRoot(ctx, sess); err != nil {
				return res, fmt.Errorf("session %q: hierarchy: %w", id, err)
			}
		}
		return res, nil
	}
	if version != stored {
		metrics.RecordVersionConflict()
		return StepResult{}, fmt.Errorf("%w: session %q is at version %d", model.ErrVersionConflict, id, stored)
	}
	if err != nil {
		return StepResult{}, err
	}

	if err := s.store.UpdateSession(ctx, sess, stored); err != nil {
		if errors.Is(err, model.ErrVersionConflict) {
			metrics.RecordVersionConflict()
		}
		return StepResult{}, err
	}
	if out.Placed != "" {
		metrics.RecordComparisonsPerInsertion(out.Asked)
	}

	res := result(sess, out)
	if out.Completed {
		metrics.RecordSessionCompleted(string(sess.Mode))
		child, err := s.afterComplete(ctx, sess)
		if err != nil {
			// The session itself is committed. Repeating the step or calling
			// Resume re-drives the hierarchy.
			s.logger.Error(ctx, "post-completion handling failed",
				logger.String("session_id", sess.ID),
				logger.Error(err),
			)
			return res, fmt.Errorf("session %q completed, hierarchy not started: %w", sess.ID, err)
		}
		res.ChildSession = child
	}
	return res, nil
}

func result(sess *model.Session, out session.Outcome) StepResult {
	return StepResult{
		SessionID: sess.ID,
		Status:    sess.Status,
		Version:   sess.Version,
		Next:      out.Next,
		Completed: out.Completed,
		Duplicate: out.Duplicate,
	}
}

// afterComplete queues the rating fold and drives the hierarchy. It returns
// the hierarchy session to play next, if any.
func (s *Service) afterComplete(ctx context.Context, sess *model.Session) (string, error) {
	s.enqueueFold(ctx, sess.ID)
	switch {
	case sess.IsChild():
		return s.completeChild(ctx, sess)
	case sess.Mode == model.ModeHierarchical:
		return s.startHierarchy(ctx, sess)
	}
	return "", nil
}

// GetResults returns the personal ranking and, for hierarchical roots, the
// multi-level ranking built so far.
func (s *Service) GetResults(ctx context.Context, id string) (Results, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return Results{}, err
	}
	res := Results{SessionID: sess.ID, Status: sess.Status, Ranking: sess.Ranking}
	if sess.Mode != model.ModeHierarchical || sess.IsChild() {
		return res, nil
	}

	h, err := s.store.GetHierarchy(ctx, sess.ID)
	switch {
	case errors.Is(err, model.ErrHierarchyNotFound):
		if !sess.Done() {
			return res, nil
		}
		if _, ok, perr := s.planner.Plan(sess, s.now()); perr != nil || !ok {
			// No accepted item heads a sub-family: the root ranking is the
			// whole result.
			res.Hierarchical = hierarchy.Flatten(&model.Hierarchy{
				Nodes: []model.FamilyNode{{FamilyID: sess.FamilyID, Parent: model.NoNode, State: model.NodeDone, Ranking: sess.Ranking}},
			})
			res.HierarchyStatus = model.HierarchyDone
			return res, nil
		}
		// The record was lost after the root completed.
		if _, err := s.driveRoot(ctx, sess); err != nil {
			return Results{}, err
		}
		if h, err = s.store.GetHierarchy(ctx, sess.ID); err != nil {
			return Results{}, err
		}
	case err != nil:
		return Results{}, err
	}
	res.Hierarchical = hierarchy.Flatten(h)
	res.HierarchyStatus = h.Status
	if n, ok := h.ActiveNode(); ok {
		res.ActiveSession = n.SessionID
	}
	return res, nil
}
