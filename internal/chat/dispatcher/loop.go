package dispatcher

import (
	"context"
	"errors"
	"time"

	"roomsync/internal/chat/models"
)

// hints collects the record ids named by feed events since the last resync.
// They are only checked after the re-fetch, never applied.
type hints map[models.Table]map[string]struct{}

func (h hints) add(ev models.ChangeEvent) {
	if ev.Type == models.ChangeDelete {
		return
	}
	id := ev.RecordID()
	if id == "" {
		return
	}
	ids, ok := h[ev.Table]
	if !ok {
		ids = make(map[string]struct{})
		h[ev.Table] = ids
	}
	ids[id] = struct{}{}
}

func (s *Session) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.ResyncInterval)
	defer ticker.Stop()

	pending, trigger := allSlices, "open"
	seen := make(hints)
	for {
		if pending != 0 {
			s.resync(pending, trigger, seen)
			pending = 0
			seen = make(hints)
		}

		var events <-chan models.ChangeEvent
		if s.sub != nil {
			events = s.sub.Events()
		}

		select {
		case <-s.ctx.Done():
			return

		case <-ticker.C:
			if s.sub == nil {
				s.subscribe()
			}
			pending, trigger = allSlices, "timer"

		case ev, ok := <-events:
			if !ok {
				s.logger.Warn("feed_subscription_lost")
				_ = s.sub.Close()
				s.sub = nil
				s.setState(Idle)
				pending, trigger = allSlices, "feed_lost"
				continue
			}
			pending |= s.accept(ev, seen)
			// coalesce whatever else is already queued
		drain:
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						break drain
					}
					pending |= s.accept(ev, seen)
				default:
					break drain
				}
			}
			trigger = "feed"

		case <-s.wake:
			pending |= s.takeRequested()
			trigger = "local"
		}
	}
}

func (s *Session) accept(ev models.ChangeEvent, seen hints) slice {
	s.deps.Metrics.FeedEvent(string(ev.Table))
	seen.add(ev)
	return sliceFor(ev.Table)
}

// resync re-fetches the requested slices and replaces them wholesale. A slice
// that fails keeps its previous rows, is marked stale and is fetched again on
// the next tick.
func (s *Session) resync(pending slice, trigger string, seen hints) {
	s.setState(Resyncing)
	ctx := s.ctx
	if pending&sliceMessages != 0 {
		// reaction rows are scoped to the fetched messages
		pending |= sliceReactions
	}

	if pending&sliceMessages != 0 {
		s.deps.Metrics.Resync("messages", trigger)
		msgs, err := s.deps.Log.Recent(ctx, s.opts.PageSize)
		if s.settle(sliceMessages, "messages", err) {
			s.mu.Lock()
			s.messages = msgs
			s.mu.Unlock()
			s.checkHints(models.TableMessages, seen, func(id string) bool {
				return containsMessage(msgs, id) || len(msgs) >= s.opts.PageSize
			})
		}
	}

	if pending&slicePresence != 0 {
		s.deps.Metrics.Resync("presence", trigger)
		recs, err := s.deps.Presence.Records(ctx)
		if s.settle(slicePresence, "presence", err) {
			s.mu.Lock()
			s.presence = recs
			s.mu.Unlock()
			s.checkHints(models.TablePresence, seen, func(id string) bool {
				for _, r := range recs {
					if r.UserID == id {
						return true
					}
				}
				return false
			})
		}
	}

	if pending&sliceReactions != 0 {
		s.deps.Metrics.Resync("reactions", trigger)
		s.mu.Lock()
		s.reactionGen++
		gen := s.reactionGen
		ids := make([]string, 0, len(s.messages))
		for _, m := range s.messages {
			ids = append(ids, m.ID)
		}
		s.mu.Unlock()

		rows, err := s.deps.Reactions.Load(ctx, ids)
		if s.settle(sliceReactions, "reactions", err) {
			s.mu.Lock()
			s.reactions = rows
			for key, p := range s.overlay {
				if p.confirmed && p.confirmedGen < gen {
					delete(s.overlay, key)
				}
			}
			s.mu.Unlock()
			s.checkHints(models.TableReactions, seen, func(id string) bool {
				for _, r := range rows {
					if r.ID == id {
						return true
					}
				}
				return false
			})
		}
	}

	if ctx.Err() != nil {
		return
	}
	if s.sub != nil {
		s.setState(Subscribed)
	} else {
		s.setState(Idle)
	}
	s.publish()
}

// settle records the outcome of one slice fetch and reports whether its rows
// should be merged.
func (s *Session) settle(sl slice, name string, err error) bool {
	if err == nil {
		s.mu.Lock()
		s.stale &^= sl
		s.mu.Unlock()
		return true
	}
	if errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
		return false
	}
	s.mu.Lock()
	s.stale |= sl
	s.mu.Unlock()
	s.deps.Metrics.ResyncFailed(name)
	s.logger.Warn("resync_failed", "slice", name, "error", err)
	return false
}

// checkHints logs feed events whose record did not show up in the re-fetch.
// The re-fetched rows stay authoritative either way.
func (s *Session) checkHints(table models.Table, seen hints, found func(id string) bool) {
	for id := range seen[table] {
		if !found(id) {
			s.deps.Metrics.Anomaly(string(table))
			s.logger.Info("reconciliation_anomaly", "table", table, "record_id", id)
		}
	}
}

func containsMessage(msgs []models.ChatMessage, id string) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

// heartbeats refreshes the user's presence on open, on every interval and
// whenever the typing state changes. Each heartbeat carries the current
// typing state. Failures wait for the next tick.
func (s *Session) heartbeats() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	if s.sendHeartbeat() {
		s.request(slicePresence)
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sendHeartbeat()
		case <-s.heartbeat:
			s.sendHeartbeat()
		}
	}
}

func (s *Session) sendHeartbeat() bool {
	typing := s.typist.IsTyping()
	if err := s.deps.Presence.Heartbeat(s.ctx, s.userID, typing); err != nil {
		if s.ctx.Err() == nil {
			s.deps.Metrics.HeartbeatFailed()
			s.logger.Warn("heartbeat_failed", "typing", typing, "error", err)
		}
		return false
	}
	return true
}
