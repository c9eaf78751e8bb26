package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/cardrank/internal/domain/hierarchy"
	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/internal/domain/session"
	"github.com/okian/cardrank/pkg/logger"
	"github.com/okian/cardrank/pkg/metrics"
)

// startHierarchy plans the hierarchy for a completed root session and opens
// its first child session.
func (s *Service) startHierarchy(ctx context.Context, root *model.Session) (string, error) {
	now := s.now()
	h, ok, err := s.planner.Plan(root, now)
	if err != nil || !ok {
		return "", err
	}
	child := s.activate(ctx, h, func() (*model.FamilyNode, bool) { return hierarchy.Advance(h, now) }, now)

	if err := s.store.CreateHierarchy(ctx, h); err != nil {
		if !errors.Is(err, model.ErrAlreadyExists) {
			return "", err
		}
		// A racing completion already planned it; answer with its state.
		cur, err := s.store.GetHierarchy(ctx, h.ID)
		if err != nil {
			return "", err
		}
		return s.ensureActive(ctx, cur)
	}
	metrics.RecordHierarchyStarted()
	s.logger.Info(ctx, "hierarchy started",
		logger.String("root_id", h.ID),
		logger.Int("queued", len(h.Queue)+1),
	)
	return s.openChild(ctx, h, child)
}

// completeChild feeds a finished child session back into its hierarchy. On a
// version conflict the record is re-read and the completion re-evaluated; a
// completion already applied by someone else is not an error.
func (s *Service) completeChild(ctx context.Context, child *model.Session) (string, error) {
	for attempt := 0; attempt < defaultHierarchyRetries; attempt++ {
		h, err := s.store.GetHierarchy(ctx, child.RootID)
		if err != nil {
			return "", err
		}
		expected := h.Version
		now := s.now()

		var completeErr error
		next := s.activate(ctx, h, func() (*model.FamilyNode, bool) {
			n, more, err := s.planner.Complete(h, child.ID, child.Ranking, now)
			completeErr = err
			return n, more
		}, now)
		if errors.Is(completeErr, model.ErrInvalidTransition) {
			return s.ensureActive(ctx, h)
		}
		if completeErr != nil {
			return "", completeErr
		}

		h.UpdatedAt = now
		err = s.store.UpdateHierarchy(ctx, h, expected)
		if errors.Is(err, model.ErrVersionConflict) {
			metrics.RecordVersionConflict()
			continue
		}
		if err != nil {
			return "", err
		}
		metrics.RecordHierarchyNode(string(model.NodeDone))
		return s.openChild(ctx, h, next)
	}
	return "", fmt.Errorf("%w: hierarchy %q kept changing", model.ErrVersionConflict, child.RootID)
}

// activate runs step and then skips every activated node whose family has no
// playable items. It returns the session to create for the node left active,
// or nil when the hierarchy finished.
func (s *Service) activate(ctx context.Context, h *model.Hierarchy, step func() (*model.FamilyNode, bool), now time.Time) *model.Session {
	node, more := step()
	for more {
		sess, err := s.childSession(h, node, now)
		if err == nil {
			return sess
		}
		s.logger.Debug(ctx, "skipping sub-family",
			logger.String("root_id", h.ID),
			logger.String("family_id", node.FamilyID),
			logger.Error(err),
		)
		metrics.RecordHierarchyNode(string(model.NodeSkipped))
		node, more, _ = hierarchy.Skip(h, now)
	}
	return nil
}

var errEmptyFamily = errors.New("family has no active items")

func (s *Service) childSession(h *model.Hierarchy, node *model.FamilyNode, now time.Time) (*model.Session, error) {
	deck, err := s.catalog.Deck(node.FamilyID)
	if err != nil {
		return nil, err
	}
	if len(deck) == 0 {
		return nil, errEmptyFamily
	}
	sess, err := session.New(node.SessionID, node.FamilyID, model.ModeHierarchical, deck, now)
	if err != nil {
		return nil, err
	}
	sess.RootID = h.ID
	sess.Depth = node.Depth
	return sess, nil
}

// openChild persists the child session after the hierarchy write that
// activated it succeeded. Child ids are derived from the root id and node
// index, so a session created by a racing caller is the same session.
func (s *Service) openChild(ctx context.Context, h *model.Hierarchy, child *model.Session) (string, error) {
	if child == nil {
		if h.Done() {
			metrics.RecordHierarchyCompleted()
			s.logger.Info(ctx, "hierarchy completed",
				logger.String("root_id", h.ID),
				logger.Int("results", len(h.Results)),
			)
		}
		return "", nil
	}
	if err := s.store.CreateSession(ctx, child); err != nil && !errors.Is(err, model.ErrAlreadyExists) {
		return "", err
	}
	metrics.RecordSessionStarted(string(child.Mode))
	metrics.RecordHierarchyNode(string(model.NodeActive))
	return child.ID, nil
}

// ensureActive makes sure the active node of h has its session and returns
// that session's id.
func (s *Service) ensureActive(ctx context.Context, h *model.Hierarchy) (string, error) {
	node, ok := h.ActiveNode()
	if !ok || h.Done() {
		return "", nil
	}
	sess, err := s.store.GetSession(ctx, node.SessionID)
	if err == nil {
		if sess.Done() {
			// The child finished but its completion never reached the record.
			return s.completeChild(ctx, sess)
		}
		return sess.ID, nil
	}
	if !errors.Is(err, model.ErrSessionNotFound) {
		return "", err
	}
	child, err := s.childSession(h, node, s.now())
	if err != nil {
		return s.skipActive(ctx, h.ID)
	}
	if err := s.store.CreateSession(ctx, child); err != nil && !errors.Is(err, model.ErrAlreadyExists) {
		return "", err
	}
	return child.ID, nil
}

// skipActive skips the active node of the hierarchy after its family turned
// out to be empty, retrying on version conflicts.
func (s *Service) skipActive(ctx context.Context, rootID string) (string, error) {
	for attempt := 0; attempt < defaultHierarchyRetries; attempt++ {
		h, err := s.store.GetHierarchy(ctx, rootID)
		if err != nil {
			return "", err
		}
		if _, ok := h.ActiveNode(); !ok || h.Done() {
			return "", nil
		}
		expected := h.Version
		now := s.now()
		metrics.RecordHierarchyNode(string(model.NodeSkipped))
		next := s.activate(ctx, h, func() (*model.FamilyNode, bool) {
			n, more, _ := hierarchy.Skip(h, now)
			return n, more
		}, now)
		err = s.store.UpdateHierarchy(ctx, h, expected)
		if errors.Is(err, model.ErrVersionConflict) {
			metrics.RecordVersionConflict()
			continue
		}
		if err != nil {
			return "", err
		}
		return s.openChild(ctx, h, next)
	}
	return "", fmt.Errorf("%w: hierarchy %q kept changing", model.ErrVersionConflict, rootID)
}

// driveRoot makes sure a done hierarchical root has its hierarchy record and
// returns the session to play next. A record lost to a failed write or a crash
// is planned again from the root's final ranking.
func (s *Service) driveRoot(ctx context.Context, root *model.Session) (string, error) {
	h, err := s.store.GetHierarchy(ctx, root.ID)
	if errors.Is(err, model.ErrHierarchyNotFound) {
		return s.startHierarchy(ctx, root)
	}
	if err != nil {
		return "", err
	}
	if h.Done() {
		return "", nil
	}
	return s.ensureActive(ctx, h)
}

// isRoot reports whether sess is a finished hierarchical root.
func isRoot(sess *model.Session) bool {
	return sess.Done() && sess.Mode == model.ModeHierarchical && !sess.IsChild()
}

// Resume re-drives a hierarchy from its persisted record: it recreates a
// missing child session or applies a child completion that was lost, then
// returns the current record. A done root whose record was never written is
// planned again.
func (s *Service) Resume(ctx context.Context, rootID string) (*model.Hierarchy, error) {
	h, err := s.store.GetHierarchy(ctx, rootID)
	switch {
	case errors.Is(err, model.ErrHierarchyNotFound):
		root, gerr := s.store.GetSession(ctx, rootID)
		if gerr != nil || !isRoot(root) {
			return nil, err
		}
		if _, err := s.driveRoot(ctx, root); err != nil {
			return nil, err
		}
		// Still missing when no accepted item heads a sub-family.
		return s.store.GetHierarchy(ctx, rootID)
	case err != nil:
		return nil, err
	}
	if h.Done() {
		return h, nil
	}
	if _, err := s.ensureActive(ctx, h); err != nil {
		return nil, err
	}
	return s.store.GetHierarchy(ctx, rootID)
}

// ResumePending plans every done hierarchical root that has no hierarchy
// record yet and returns how many were planned. It repairs roots whose
// completion was cut short by a crash or a failed write.
func (s *Service) ResumePending(ctx context.Context) (int, error) {
	done, err := s.store.ListSessions(ctx, model.StatusDone)
	if err != nil {
		return 0, err
	}
	planned := 0
	for _, sess := range done {
		if err := ctx.Err(); err != nil {
			return planned, err
		}
		if !isRoot(sess) {
			continue
		}
		if _, err := s.store.GetHierarchy(ctx, sess.ID); !errors.Is(err, model.ErrHierarchyNotFound) {
			if err != nil {
				return planned, err
			}
			continue
		}
		if _, ok, err := s.planner.Plan(sess, s.now()); err != nil || !ok {
			continue
		}
		if _, err := s.startHierarchy(ctx, sess); err != nil {
			return planned, err
		}
		planned++
	}
	if planned > 0 {
		s.logger.Info(ctx, "re-planned hierarchies", logger.Int("count", planned))
	}
	return planned, nil
}
