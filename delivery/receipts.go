////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package delivery

import (
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/obscura-app/delivery/catalog"
	"gitlab.com/obscura-app/delivery/engine"
	"gitlab.com/obscura-app/delivery/identity"
	"gitlab.com/obscura-app/delivery/storage"
)

// NoAttachment marks a receipt or acknowledgement that concerns the message
// itself rather than one of its attachments.
const NoAttachment = -1

// MarkMessageSent records engine acceptance of the payload upload for every
// recipient row sharing the engine message identifier, then refreshes the
// aggregate.
func (m *Manager) MarkMessageSent(txn *storage.Txn, engineID []byte,
	timestamp int64) error {
	infos, err := storage.RecipientInfosByEngineIdentifier(txn, engineID)
	if err != nil {
		return err
	}
	for i := range infos {
		ri := &infos[i]
		if ri.TimestampSent != nil && *ri.TimestampSent != 0 {
			continue
		}
		ts := timestamp
		ri.TimestampSent = &ts
		if err = storage.UpdateRecipientInfo(txn, ri); err != nil {
			return err
		}
	}
	if len(infos) > 0 {
		return m.RefreshOutboundStatus(txn, infos[0].MessageID)
	}
	return nil
}

// MarkAttachmentUploaded removes the attachment number from the unsent set
// of every row sharing the engine identifier. Once no row is waiting on the
// attachment anymore, the join advances to Complete.
func (m *Manager) MarkAttachmentUploaded(txn *storage.Txn, engineID []byte,
	attachmentNumber int) error {
	infos, err := storage.RecipientInfosByEngineIdentifier(txn, engineID)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		jww.DEBUG.Printf("[delivery] Upload callback for unknown engine "+
			"identifier %x dropped.", engineID)
		return nil
	}

	for i := range infos {
		ri := &infos[i]
		if rest, ok := storage.RemoveNumber(
			ri.UnsentAttachmentNumbers, attachmentNumber); ok {
			ri.UnsentAttachmentNumbers = rest
			if err = storage.UpdateRecipientInfo(txn, ri); err != nil {
				return err
			}
		}
	}

	messageID := infos[0].MessageID
	if err = m.completeUploadedJoin(txn, messageID, attachmentNumber); err != nil {
		return err
	}
	return m.RefreshOutboundStatus(txn, messageID)
}

// completeUploadedJoin moves the join to Complete once no recipient row of
// the message still lists the attachment as unsent.
func (m *Manager) completeUploadedJoin(txn *storage.Txn, messageID int64,
	attachmentNumber int) error {
	all, err := storage.RecipientInfosForMessage(txn, messageID)
	if err != nil {
		return err
	}
	for i := range all {
		if storage.ContainsNumber(all[i].UnsentAttachmentNumbers,
			attachmentNumber) && !all[i].TerminallyProcessed() &&
			all[i].HasEngineHandle() {
			return nil
		}
	}

	joins, err := storage.JoinsForMessage(txn, messageID)
	if err != nil {
		return err
	}
	for i := range joins {
		j := &joins[i]
		if j.Position == attachmentNumber &&
			j.Status == catalog.AttachmentUploading {
			return storage.SetJoinStatus(txn, j.FyleID, j.MessageID,
				catalog.AttachmentComplete)
		}
	}
	return nil
}

// HandleReturnReceipt applies an inbound delivery or read acknowledgement.
// Receipts are matched by (nonce, recipient), which stays valid across
// reposts because the nonce is reused verbatim. Unknown receipts are dropped
// silently; the message may have been deleted locally.
func (m *Manager) HandleReturnReceipt(txn *storage.Txn,
	recipient identity.Identity, status engine.ReceiptStatus, nonce []byte,
	timestamp int64, attachmentNumber int) error {
	ri, err := storage.RecipientInfoByNonce(txn, nonce, recipient)
	if err != nil {
		return err
	}
	if ri == nil {
		jww.DEBUG.Printf("[delivery] Return receipt with unknown nonce "+
			"dropped (status %d).", status)
		return nil
	}

	if attachmentNumber == NoAttachment {
		applyMessageReceipt(ri, status, timestamp)
	} else {
		applyAttachmentReceipt(ri, status, attachmentNumber)
	}
	if err = storage.UpdateRecipientInfo(txn, ri); err != nil {
		return err
	}

	if attachmentNumber != NoAttachment {
		if err = m.refreshAttachmentReception(txn, ri.MessageID,
			attachmentNumber); err != nil {
			return err
		}
	}
	return m.RefreshOutboundStatus(txn, ri.MessageID)
}

// applyMessageReceipt advances the row's timestamps. The ladder only moves
// forward; a late delivery receipt never downgrades a read row.
func applyMessageReceipt(ri *storage.MessageRecipientInfo,
	status engine.ReceiptStatus, timestamp int64) {
	ts := timestamp
	if ri.TimestampDelivered == nil {
		ri.TimestampDelivered = &ts
	}
	if status == engine.ReceiptRead && ri.TimestampRead == nil {
		ri.TimestampRead = &ts
	}
}

func applyAttachmentReceipt(ri *storage.MessageRecipientInfo,
	status engine.ReceiptStatus, attachmentNumber int) {
	ri.UndeliveredAttachmentNumbers, _ = storage.RemoveNumber(
		ri.UndeliveredAttachmentNumbers, attachmentNumber)
	if status == engine.ReceiptRead {
		ri.UnreadAttachmentNumbers, _ = storage.RemoveNumber(
			ri.UnreadAttachmentNumbers, attachmentNumber)
	}
}

// refreshAttachmentReception recomputes the attachment's aggregate ladder
// from the pending-number sets of the considered recipient rows.
func (m *Manager) refreshAttachmentReception(txn *storage.Txn,
	messageID int64, attachmentNumber int) error {
	msg, err := storage.GetMessage(txn, messageID)
	if err != nil || msg == nil {
		return err
	}
	d, err := storage.GetDiscussion(txn, msg.DiscussionID)
	if err != nil || d == nil {
		return err
	}
	infos, err := storage.RecipientInfosForMessage(txn, messageID)
	if err != nil {
		return err
	}

	rows := considered(infos, d.Owner.Key())
	total := len(rows)
	delivered, read := 0, 0
	for i := range rows {
		if !rows[i].HasEngineHandle() || rows[i].TerminallyProcessed() {
			continue
		}
		if !storage.ContainsNumber(rows[i].UndeliveredAttachmentNumbers,
			attachmentNumber) {
			delivered++
		}
		if !storage.ContainsNumber(rows[i].UnreadAttachmentNumbers,
			attachmentNumber) {
			read++
		}
	}

	var status catalog.ReceptionStatus
	switch {
	case delivered == 0:
		status = catalog.ReceptionNone
	case delivered == total && total >= 2:
		switch {
		case read == total:
			status = catalog.ReceptionDeliveredAllReadAll
		case read >= 1:
			status = catalog.ReceptionDeliveredAllReadOne
		default:
			status = catalog.ReceptionDeliveredAll
		}
	case read >= 1:
		status = catalog.ReceptionDeliveredAndRead
	default:
		status = catalog.ReceptionDelivered
	}

	joins, err := storage.JoinsForMessage(txn, messageID)
	if err != nil {
		return err
	}
	for i := range joins {
		if joins[i].Position == attachmentNumber {
			return storage.SetJoinReceptionStatus(txn, joins[i].FyleID,
				messageID, status)
		}
	}
	return nil
}

// AcknowledgeInbound sends a return receipt for a received message (or one
// of its attachments) using the nonce and key its envelope carried. Failures
// are logged and swallowed; the sender will keep functioning without the
// acknowledgement.
func (m *Manager) AcknowledgeInbound(owner identity.Identity,
	msg *storage.Message, status engine.ReceiptStatus,
	attachmentNumber int) {
	if len(msg.ReturnReceiptNonce) == 0 {
		return
	}
	err := m.eng.SendReturnReceipt(owner, msg.SenderIdentifier, status,
		msg.ReturnReceiptNonce, msg.ReturnReceiptKey, attachmentNumber)
	if err != nil {
		jww.WARN.Printf("[delivery] Failed to send return receipt for "+
			"message %d: %+v", msg.ID, err)
	}
}
