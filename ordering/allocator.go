////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package ordering assigns every message a durable display ordering key (the
// sort index), reconciled against sender sequence numbers so the displayed
// order always matches causal order even when messages arrive out of
// timestamp order.
package ordering

import (
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/obscura-app/delivery/storage"
)

// outboundGap is the distance appended sort indices keep from the current
// maximum, leaving room for later interpolation in front of them.
const outboundGap = 10

// Allocator serializes sort-index assignment. The single mutex is deliberate:
// two messages must never receive the same index, and order must always match
// sequence order, which matters more here than write parallelism.
type Allocator struct {
	mux sync.Mutex
}

// NewAllocator creates an Allocator. One per store; inject it rather than
// sharing a process-wide instance.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Placement is the computed position for one message.
type Placement struct {
	SortIndex float64

	// Timestamp is the message timestamp, possibly adjusted toward the
	// neighbor the message was slotted next to, so displayed time never
	// jumps backward inside the thread.
	Timestamp int64
}

// ComputeOutboundSortIndex places a freshly authored message after everything
// currently known in the discussion, independent of wall-clock skew.
func (a *Allocator) ComputeOutboundSortIndex(txn *storage.Txn,
	discussionID int64, timestamp int64) (Placement, error) {
	a.mux.Lock()
	defer a.mux.Unlock()

	max, ok, err := storage.MaxSortIndex(txn, discussionID)
	if err != nil {
		return Placement{}, err
	}
	if !ok {
		// First message of the discussion; anchor the index scale on the
		// timestamp so later timestamp-fallback insertions stay comparable.
		return Placement{SortIndex: float64(timestamp),
			Timestamp: timestamp}, nil
	}
	return Placement{SortIndex: max + outboundGap, Timestamp: timestamp}, nil
}

// ComputeSortIndex places a message that may have arrived out of order. The
// neighbors are located by sender-sequence-number within the message's
// sender-thread; when a following message with a later timestamp exists the
// new index is interpolated between the neighbors, otherwise the raw
// timestamp is used.
func (a *Allocator) ComputeSortIndex(txn *storage.Txn,
	m *storage.Message) (Placement, error) {
	a.mux.Lock()
	defer a.mux.Unlock()

	next, err := storage.NextBySequenceNumber(txn, m.DiscussionID,
		m.SenderIdentifier, m.SenderThreadIdentifier, m.SenderSequenceNumber)
	if err != nil {
		return Placement{}, err
	}
	prev, err := storage.PreviousBySequenceNumber(txn, m.DiscussionID,
		m.SenderIdentifier, m.SenderThreadIdentifier, m.SenderSequenceNumber)
	if err != nil {
		return Placement{}, err
	}

	switch {
	case next != nil && next.Timestamp > m.Timestamp:
		// The message slots in front of an already-known later message.
		p := Placement{Timestamp: m.Timestamp}
		if prev != nil {
			p.SortIndex = (prev.SortIndex + next.SortIndex) / 2
			if p.Timestamp < prev.Timestamp {
				p.Timestamp = prev.Timestamp
			}
		} else {
			p.SortIndex = next.SortIndex - outboundGap
		}
		if p.Timestamp > next.Timestamp {
			p.Timestamp = next.Timestamp
		}
		return p, nil

	case prev != nil && prev.Timestamp > m.Timestamp:
		// Timestamp fallback would sort the message before its causal
		// predecessor; slot it right after instead.
		return Placement{SortIndex: prev.SortIndex + outboundGap,
			Timestamp: prev.Timestamp}, nil

	default:
		return Placement{SortIndex: float64(m.Timestamp),
			Timestamp: m.Timestamp}, nil
	}
}

// PlaceInbound runs full placement for a stored inbound message: the sort
// index and possibly adjusted timestamp are computed and persisted, then the
// sequence gap to the causal predecessor is detected and recorded on the
// message as its missed-message count. The updated fields are written back
// into m.
func (a *Allocator) PlaceInbound(txn *storage.Txn, m *storage.Message) error {
	p, err := a.ComputeSortIndex(txn, m)
	if err != nil {
		return err
	}
	err = storage.SetMessageSortIndex(txn, m.ID, p.SortIndex, p.Timestamp)
	if err != nil {
		return err
	}
	m.SortIndex, m.Timestamp = p.SortIndex, p.Timestamp

	gap, err := DetectMissedMessages(txn, m)
	if err != nil {
		return err
	}
	if gap != m.MissedMessageCount {
		if err = storage.SetMissedMessageCount(txn, m.ID, gap); err != nil {
			return err
		}
		m.MissedMessageCount = gap
	}
	return nil
}

// DetectMissedMessages returns the size of the sequence gap between m and its
// causal predecessor in the same sender-thread. Gap detection never blocks
// sort-index assignment; the count is only surfaced on the message.
func DetectMissedMessages(txn *storage.Txn, m *storage.Message) (int64, error) {
	prev, err := storage.PreviousBySequenceNumber(txn, m.DiscussionID,
		m.SenderIdentifier, m.SenderThreadIdentifier, m.SenderSequenceNumber)
	if err != nil {
		return 0, err
	}
	if prev == nil {
		// Nothing earlier to infer a gap from.
		return 0, nil
	}

	gap := int64(m.SenderSequenceNumber) - int64(prev.SenderSequenceNumber) - 1
	if gap < 0 {
		jww.WARN.Printf("[ordering] Non-monotonic sequence numbers in "+
			"discussion %d: %d after %d.", m.DiscussionID,
			m.SenderSequenceNumber, prev.SenderSequenceNumber)
		return 0, nil
	}
	return gap, nil
}
