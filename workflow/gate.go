package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/songzhibin97/seoflow/storage"
	"github.com/songzhibin97/seoflow/types"
)

// Decision is a human's answer to a pending approval.
type Decision struct {
	// Stage, when set, must match the pending stage.
	Stage types.Stage
	// ApprovedData overrides top-level fields of the proposal.
	ApprovedData map[string]interface{}
	// Modifications are dotted paths into the merged proposal, e.g.
	// "headings.0.text" or "article_concept.main_theme".
	Modifications map[string]interface{}
}

// Gate validates and applies approval decisions.
type Gate struct {
	store storage.Storage
}

// Decide merges the decision into the pending proposal, commits it as the
// stage result and moves the session back to RUNNING at the next stage.
// A session that is not WAITING_APPROVAL yields ErrInvalidState and is left
// untouched.
func (g *Gate) Decide(ctx context.Context, id string, d Decision) (types.Session, error) {
	sess, err := g.store.UpdateSession(ctx, id, func(s *types.Session) error {
		if s.Status != types.StatusWaitingApproval || s.PendingApproval == nil {
			return invalidStateErrorf("session %s is %s, not %s", s.ID, s.Status, types.StatusWaitingApproval)
		}
		pending := s.PendingApproval
		if d.Stage != "" && d.Stage != pending.Stage {
			return invalidStateErrorf("session %s is waiting on %s, not %s", s.ID, pending.Stage, d.Stage)
		}
		merged, err := mergeDecision(pending.Stage, pending.ProposedData, d)
		if err != nil {
			return err
		}
		if err := s.Results.Set(merged); err != nil {
			return invalidStateErrorf("%v", err)
		}
		s.PendingApproval = nil
		s.Status = types.StatusRunning
		if next, ok := pending.Stage.Next(); ok {
			s.CurrentStage = next
		}
		return nil
	})
	if err != nil {
		return types.Session{}, translateStoreErr(err)
	}
	return sess, nil
}

// mergeDecision applies proposal <- approved data <- modifications,
// last writer wins per field.
func mergeDecision(stage types.Stage, proposed types.StageResult, d Decision) (types.StageResult, error) {
	raw, err := json.Marshal(proposed)
	if err != nil {
		return nil, fmt.Errorf("encode proposal: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	for key, value := range d.ApprovedData {
		// An empty approved heading list means "keep what was proposed".
		if stage == types.StagePlanning && key == "headings" && isEmptyList(value) {
			continue
		}
		normalized, err := normalize(value)
		if err != nil {
			return nil, validationErrorf("approved_data.%s: %v", key, err)
		}
		doc[key] = normalized
	}

	paths := make([]string, 0, len(d.Modifications))
	for p := range d.Modifications {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		value, err := normalize(d.Modifications[p])
		if err != nil {
			return nil, validationErrorf("modifications.%s: %v", p, err)
		}
		if err := setPath(doc, p, value); err != nil {
			return nil, err
		}
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, validationErrorf("encode merged %s result: %v", stage, err)
	}
	result, err := types.DecodeResult(stage, merged)
	if err != nil {
		return nil, validationErrorf("%v", err)
	}
	if plan, ok := result.(*types.PlanningResult); ok {
		for i, h := range plan.Headings {
			if err := h.Validate(); err != nil {
				return nil, validationErrorf("headings.%d: %v", i, err)
			}
		}
	}
	return result, nil
}

// normalize round-trips v through JSON so typed values (e.g. []types.Heading)
// become the generic maps and slices setPath walks.
func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func isEmptyList(v interface{}) bool {
	switch l := v.(type) {
	case nil:
		return true
	case []interface{}:
		return len(l) == 0
	case []types.Heading:
		return len(l) == 0
	}
	return false
}

// setPath writes value at a dotted path. Intermediate segments must exist;
// list indexes must be in range.
func setPath(doc map[string]interface{}, path string, value interface{}) error {
	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if seg == "" {
			return validationErrorf("modification path %q is malformed", path)
		}
	}

	var cur interface{} = doc
	for i, seg := range segments {
		last := i == len(segments)-1
		switch node := cur.(type) {
		case map[string]interface{}:
			if last {
				node[seg] = value
				return nil
			}
			next, ok := node[seg]
			if !ok || next == nil {
				return validationErrorf("modification path %q: %q not found", path, strings.Join(segments[:i+1], "."))
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return validationErrorf("modification path %q: index %q out of range", path, seg)
			}
			if last {
				node[idx] = value
				return nil
			}
			cur = node[idx]
		default:
			return validationErrorf("modification path %q: %q is not a container", path, strings.Join(segments[:i], "."))
		}
	}
	return nil
}
