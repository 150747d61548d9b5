package convo

import (
	"time"

	"github.com/ttbazaar/chatd/internal/bus"
	"github.com/ttbazaar/chatd/internal/model"
)

// merge folds one confirmed server message into its room timeline.
//
// Resolution order:
//  1. a message with the same server id is already present: no-op,
//  2. the message echoes one of our pending sends: the pending entry is
//     confirmed in place, keeping its timeline position,
//  3. otherwise it is inserted in timestamp order among the confirmed
//     entries, ahead of anything still pending.
func (s *Store) merge(in *model.Message) {
	s.mu.Lock()
	rs := s.roomStateLocked(in.RoomID)

	for _, m := range rs.msgs {
		if m.Confirmed() && m.ID == in.ID {
			if in.Read {
				m.Read = true
			}
			s.mu.Unlock()
			return
		}
	}

	if in.SenderID == s.ident.UserID {
		if match := earliestEcho(rs, in); match != nil {
			match.ID = in.ID
			match.State = model.DeliverySent
			match.Read = in.Read
			match.CreatedAt = in.CreatedAt
			rs.room.LastMessage = match
			key := match.Dedup
			s.mu.Unlock()

			s.dispatcher.Confirm(key)
			s.bus.Publish(bus.Event{
				Kind:      bus.KindMessageConfirmed,
				Timestamp: time.Now(),
				Payload:   Confirmed{RoomID: in.RoomID, MessageID: in.ID, Key: key},
			})
			return
		}
	}

	s.insertConfirmedLocked(rs, in)
	foreign := in.SenderID != s.ident.UserID
	unread := rs.room.UnreadCount
	if foreign && !in.Read {
		unread++
		rs.room.UnreadCount = unread
	}
	if last := rs.room.LastMessage; last == nil || !in.CreatedAt.Before(last.CreatedAt) {
		rs.room.LastMessage = in
	}
	s.mu.Unlock()

	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageMerged,
		Timestamp: time.Now(),
		Payload:   Merged{RoomID: in.RoomID, MessageID: in.ID, Foreign: foreign},
	})
	if foreign {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindRoomUnreadChanged,
			Timestamp: time.Now(),
			Payload:   UnreadChanged{RoomID: in.RoomID, Unread: unread},
		})
	}
}

// earliestEcho finds the unconfirmed send with the lowest local sequence
// that the incoming message could be an echo of.
func earliestEcho(rs *roomState, in *model.Message) *model.Message {
	var match *model.Message
	for _, m := range rs.msgs {
		if m.Confirmed() || m.State != model.DeliveryPending {
			continue
		}
		if !m.Dedup.Echoes(in.RoomID, in.SenderID, in.Content, in.Attachments) {
			continue
		}
		if match == nil || m.LocalSeq < match.LocalSeq {
			match = m
		}
	}
	return match
}

// insertConfirmedLocked places a confirmed message in timestamp order
// within the confirmed prefix of the timeline. Unconfirmed entries stay at
// the tail. Messages already present by server id are skipped.
func (s *Store) insertConfirmedLocked(rs *roomState, in *model.Message) {
	for _, m := range rs.msgs {
		if m.Confirmed() && m.ID == in.ID {
			if in.Read {
				m.Read = true
			}
			return
		}
	}

	// Boundary between the confirmed prefix and the unconfirmed tail.
	boundary := len(rs.msgs)
	for i, m := range rs.msgs {
		if !m.Confirmed() {
			boundary = i
			break
		}
	}

	pos := boundary
	for pos > 0 && rs.msgs[pos-1].CreatedAt.After(in.CreatedAt) {
		pos--
	}

	rs.msgs = append(rs.msgs, nil)
	copy(rs.msgs[pos+1:], rs.msgs[pos:])
	rs.msgs[pos] = in
}

// recountUnreadLocked rebuilds the unread count from the timeline, used
// after a history load.
func (s *Store) recountUnreadLocked(rs *roomState) {
	unread := 0
	var last *model.Message
	for _, m := range rs.msgs {
		if m.SenderID != s.ident.UserID && !m.Read {
			unread++
		}
		if last == nil || !m.CreatedAt.Before(last.CreatedAt) {
			last = m
		}
	}
	rs.room.UnreadCount = unread
	if last != nil {
		rs.room.LastMessage = last
	}
}
