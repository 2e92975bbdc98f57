package timeline

import (
	mapset "github.com/deckarep/golang-set/v2"

	"vestnik/internal/models"
)

// Relation folding. Every method keys idempotence on the relation event's
// own id: a duplicate delivery inside the dedup window is a no-op.

// Edit replaces the target's content. The pre-first-edit body is captured
// into OriginalContent exactly once; later edits keep the original, not the
// previous, version. Status is unaffected.
func (s *Store) Edit(targetID, body, formattedBody string, ts int64, relEventID string) error {
	s.mu.Lock()

	if s.dropDuplicate(relEventID) {
		s.mu.Unlock()
		return nil
	}

	e, ok := s.byID[targetID]
	if !ok {
		s.mu.Unlock()
		s.log.Debug().Str("target_id", targetID).Msg("edit for unknown target dropped")
		return models.ErrNotFound
	}

	if !e.msg.Edited() {
		e.msg.OriginalContent = e.msg.Content
	}
	e.msg.Content = body
	e.msg.FormattedContent = formattedBody
	e.msg.EditedTimestamp = ts

	s.mu.Unlock()
	s.notify()
	return nil
}

// AddReaction records an annotation event. Adding the same actor+key twice
// keeps the count at one; the user set carries the semantics.
func (s *Store) AddReaction(annotationID, targetID, key, sender string, ts int64) error {
	s.mu.Lock()

	if s.dropDuplicate(annotationID) {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.annotations[annotationID]; ok {
		s.mu.Unlock()
		return nil
	}

	e, ok := s.byID[targetID]
	if !ok {
		s.mu.Unlock()
		s.log.Debug().Str("target_id", targetID).Msg("reaction for unknown target dropped")
		return models.ErrNotFound
	}

	s.annotations[annotationID] = annotation{targetID: targetID, key: key, sender: sender, ts: ts}
	users, ok := e.reactions[key]
	if !ok {
		users = mapset.NewSet[string]()
		e.reactions[key] = users
	}
	users.Add(sender)

	s.mu.Unlock()
	s.notify()
	return nil
}

// Redact removes whatever eventID points at. For an annotation event only
// the reaction tally is adjusted; for a root message the entry is removed
// outright, with no tombstone at this layer. Returns whether state changed.
func (s *Store) Redact(eventID string) bool {
	s.mu.Lock()

	if ann, ok := s.annotations[eventID]; ok {
		delete(s.annotations, eventID)
		changed := s.dropAnnotation(ann)
		s.mu.Unlock()
		if changed {
			s.notify()
		}
		return changed
	}

	e, ok := s.byID[eventID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.remove(e)
	s.mu.Unlock()
	s.notify()
	return true
}

// dropAnnotation removes the actor from the reaction set unless another
// live annotation by the same actor still covers the same target+key
// (duplicate reaction events exist in the wild). An emptied key is deleted
// so no zero-count tally ever surfaces.
func (s *Store) dropAnnotation(ann annotation) bool {
	for _, other := range s.annotations {
		if other.targetID == ann.targetID && other.key == ann.key && other.sender == ann.sender {
			return false
		}
	}

	e, ok := s.byID[ann.targetID]
	if !ok {
		return false
	}
	users, ok := e.reactions[ann.key]
	if !ok {
		return false
	}
	users.Remove(ann.sender)
	if users.IsEmpty() {
		delete(e.reactions, ann.key)
	}
	return true
}

// FindReaction locates the annotation event to redact when an actor removes
// a reaction. With duplicate annotations the earliest one wins, with the
// event id as a stable tie-break, so removal is deterministic.
func (s *Store) FindReaction(targetID, key, sender string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bestID := ""
	var bestTS int64
	for id, ann := range s.annotations {
		if ann.targetID != targetID || ann.key != key || ann.sender != sender {
			continue
		}
		if bestID == "" || ann.ts < bestTS || (ann.ts == bestTS && id < bestID) {
			bestID = id
			bestTS = ann.ts
		}
	}
	return bestID, bestID != ""
}

// dropDuplicate reports and records whether a relation event was already
// applied. Callers hold the write lock.
func (s *Store) dropDuplicate(relEventID string) bool {
	if relEventID == "" {
		return false
	}
	if _, err := s.seen.Get(relEventID); err == nil {
		return true
	}
	s.seen.Set(relEventID, struct{}{})
	return false
}
