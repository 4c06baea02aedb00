////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package delivery tracks, per (message, recipient), the ladder from engine
// hand-off to read confirmation, and aggregates the rows into the coarse
// message status the rest of the application observes.
package delivery

import (
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/obscura-app/delivery/catalog"
	"gitlab.com/obscura-app/delivery/engine"
	"gitlab.com/obscura-app/delivery/storage"
)

// ExpirationStarter is the collaborator that schedules ephemeral-message
// destruction. Expiration only begins counting once the message has actually
// left the device, which is exactly when this is invoked.
type ExpirationStarter interface {
	StartExpiration(messageID int64, visibilityDuration,
		existenceDuration int64, readOnce bool)
}

// Manager advances and aggregates per-recipient delivery state.
type Manager struct {
	starter ExpirationStarter
	eng     engine.Engine
}

// NewManager creates a delivery Manager. Both collaborators are injected;
// starter may be a no-op implementation when the application schedules
// expiration elsewhere.
func NewManager(starter ExpirationStarter, eng engine.Engine) *Manager {
	return &Manager{starter: starter, eng: eng}
}

// RefreshOutboundStatus recomputes the message's aggregate status from its
// recipient-info rows. A terminal Undelivered status is never recomputed
// away. The owner's own-device row is excluded unless it is the only row, so
// a note-to-self discussion still reports status.
func (m *Manager) RefreshOutboundStatus(txn *storage.Txn,
	messageID int64) error {
	msg, err := storage.GetMessage(txn, messageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.MessageType != catalog.Outbound {
		return nil
	}
	if msg.Status == catalog.StatusUndelivered {
		return nil
	}

	d, err := storage.GetDiscussion(txn, msg.DiscussionID)
	if err != nil {
		return err
	}
	if d == nil {
		return nil
	}

	infos, err := storage.RecipientInfosForMessage(txn, messageID)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return nil
	}

	status := classify(considered(infos, d.Owner.Key()))
	if status == msg.Status {
		return nil
	}

	if err = storage.SetMessageStatus(txn, messageID, status); err != nil {
		return err
	}
	jww.DEBUG.Printf("[delivery] Message %d status %s -> %s.",
		messageID, msg.Status, status)

	if status.HasLeftDevice() && !msg.Status.HasLeftDevice() &&
		msg.HasEphemeralSettings() && !msg.ExpirationStarted {
		m.starter.StartExpiration(messageID, msg.VisibilityDuration,
			msg.ExistenceDuration, msg.ReadOnce)
		if err = storage.SetExpirationStarted(txn, messageID); err != nil {
			return err
		}
	}
	return nil
}

// MarkSentLocally closes a message out as SENT without an engine hand-off,
// used when recipient resolution came back empty and there is nothing to
// transmit. The expiration timer starts here, since the message is as "gone"
// as it will ever be.
func (m *Manager) MarkSentLocally(txn *storage.Txn, messageID int64) error {
	msg, err := storage.GetMessage(txn, messageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.Status.HasLeftDevice() {
		return nil
	}
	if err = storage.SetMessageStatus(
		txn, messageID, catalog.StatusSent); err != nil {
		return err
	}
	if msg.HasEphemeralSettings() && !msg.ExpirationStarted {
		m.starter.StartExpiration(messageID, msg.VisibilityDuration,
			msg.ExistenceDuration, msg.ReadOnce)
		return storage.SetExpirationStarted(txn, messageID)
	}
	return nil
}

// considered filters out the owner's own-device row, unless it is the only
// row.
func considered(infos []storage.MessageRecipientInfo,
	ownerKey string) []storage.MessageRecipientInfo {
	if len(infos) <= 1 {
		return infos
	}
	kept := make([]storage.MessageRecipientInfo, 0, len(infos))
	for i := range infos {
		if infos[i].Recipient.Key() != ownerKey {
			kept = append(kept, infos[i])
		}
	}
	if len(kept) == 0 {
		return infos
	}
	return kept
}

// classify maps recipient rows to the coarse aggregate status. Any recipient
// still waiting on engine hand-off or attachment upload dominates.
func classify(infos []storage.MessageRecipientInfo) catalog.MessageStatus {
	total := len(infos)
	delivered, read := 0, 0

	for i := range infos {
		ri := &infos[i]
		if !ri.HasEngineHandle() ||
			(!ri.TerminallyProcessed() && ri.UnsentAttachmentNumbers != "") {
			return catalog.StatusProcessing
		}
		if ri.TimestampDelivered != nil {
			delivered++
		}
		if ri.TimestampRead != nil {
			read++
		}
	}

	switch {
	case delivered == 0:
		return catalog.StatusSent
	case delivered == total && total >= 2:
		switch {
		case read == total:
			return catalog.StatusDeliveredAllReadAll
		case read >= 1:
			return catalog.StatusDeliveredAllReadOne
		default:
			return catalog.StatusDeliveredAll
		}
	case read >= 1:
		return catalog.StatusDeliveredAndRead
	default:
		return catalog.StatusDelivered
	}
}
