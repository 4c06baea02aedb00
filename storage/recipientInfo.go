////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package storage

import (
	"database/sql"
	"encoding/hex"

	"github.com/pkg/errors"

	"gitlab.com/obscura-app/delivery/identity"
)

// Error messages.
const (
	insertRecipientInfoErr = "failed to insert recipient info: %+v"
	getRecipientInfoErr    = "failed to load recipient info %d: %+v"
	queryRecipientInfoErr  = "failed to query recipient infos: %+v"
	updateRecipientInfoErr = "failed to update recipient info %d: %+v"
)

// MessageRecipientInfo is the per-(message, recipient) delivery bookkeeping
// row for outbound messages.
//
// EngineMessageIdentifier is hex-encoded. nil means the engine never accepted
// the message for this recipient; the empty string means the recipient was
// terminally processed without a send (discussion locked, message wiped).
// Once non-nil, the (nonce, key, identifier) triple never changes, so
// receipts from an earlier attempt still match after a repost.
type MessageRecipientInfo struct {
	ID        int64             `db:"id"`
	MessageID int64             `db:"message_id"`
	Recipient identity.Identity `db:"recipient"`

	EngineMessageIdentifier *string `db:"engine_message_identifier"`
	ReturnReceiptNonce      []byte  `db:"return_receipt_nonce"`
	ReturnReceiptKey        []byte  `db:"return_receipt_key"`

	TimestampSent      *int64 `db:"timestamp_sent"`
	TimestampDelivered *int64 `db:"timestamp_delivered"`
	TimestampRead      *int64 `db:"timestamp_read"`

	UnsentAttachmentNumbers      string `db:"unsent_attachment_numbers"`
	UndeliveredAttachmentNumbers string `db:"undelivered_attachment_numbers"`
	UnreadAttachmentNumbers      string `db:"unread_attachment_numbers"`
}

// HasEngineHandle reports whether the engine accepted the message for this
// recipient (including the terminal zero-length marker).
func (ri *MessageRecipientInfo) HasEngineHandle() bool {
	return ri.EngineMessageIdentifier != nil
}

// TerminallyProcessed reports whether the recipient was closed out without a
// send.
func (ri *MessageRecipientInfo) TerminallyProcessed() bool {
	return ri.EngineMessageIdentifier != nil && *ri.EngineMessageIdentifier == ""
}

// EngineIdentifierBytes decodes the engine handle, or nil.
func (ri *MessageRecipientInfo) EngineIdentifierBytes() []byte {
	if ri.EngineMessageIdentifier == nil || *ri.EngineMessageIdentifier == "" {
		return nil
	}
	b, err := hex.DecodeString(*ri.EngineMessageIdentifier)
	if err != nil {
		return nil
	}
	return b
}

// EncodeEngineIdentifier renders an engine handle in the stored form.
func EncodeEngineIdentifier(id []byte) string {
	return hex.EncodeToString(id)
}

// InsertRecipientInfo stores ri and fills in its assigned ID.
func InsertRecipientInfo(txn *Txn, ri *MessageRecipientInfo) error {
	res, err := txn.tx.NamedExec(`
		INSERT INTO message_recipient_infos (message_id, recipient,
			engine_message_identifier, return_receipt_nonce,
			return_receipt_key, timestamp_sent, timestamp_delivered,
			timestamp_read, unsent_attachment_numbers,
			undelivered_attachment_numbers, unread_attachment_numbers)
		VALUES (:message_id, :recipient, :engine_message_identifier,
			:return_receipt_nonce, :return_receipt_key, :timestamp_sent,
			:timestamp_delivered, :timestamp_read,
			:unsent_attachment_numbers, :undelivered_attachment_numbers,
			:unread_attachment_numbers)`, ri)
	if err != nil {
		return errors.Errorf(insertRecipientInfoErr, err)
	}
	ri.ID, err = res.LastInsertId()
	if err != nil {
		return errors.Errorf(insertRecipientInfoErr, err)
	}
	return nil
}

// GetRecipientInfo loads a recipient info by ID. Returns (nil, nil) when the
// row does not exist.
func GetRecipientInfo(txn *Txn, id int64) (*MessageRecipientInfo, error) {
	ri := &MessageRecipientInfo{}
	err := txn.tx.Get(ri,
		`SELECT * FROM message_recipient_infos WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Errorf(getRecipientInfoErr, id, err)
	}
	return ri, nil
}

// RecipientInfosForMessage returns all recipient infos of the message.
func RecipientInfosForMessage(txn *Txn, messageID int64) (
	[]MessageRecipientInfo, error) {
	var infos []MessageRecipientInfo
	err := txn.tx.Select(&infos, `
		SELECT * FROM message_recipient_infos WHERE message_id = ?
		ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, errors.Errorf(queryRecipientInfoErr, err)
	}
	return infos, nil
}

// RecipientInfoForMessageAndRecipient returns the unique row for the pair, or
// nil.
func RecipientInfoForMessageAndRecipient(txn *Txn, messageID int64,
	recipient identity.Identity) (*MessageRecipientInfo, error) {
	ri := &MessageRecipientInfo{}
	err := txn.tx.Get(ri, `
		SELECT * FROM message_recipient_infos
		WHERE message_id = ? AND recipient = ?`, messageID, recipient)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Errorf(queryRecipientInfoErr, err)
	}
	return ri, nil
}

// RecipientInfosByEngineIdentifier returns every row carrying the given
// engine handle. Several rows share one handle when a single post covered
// several recipients.
func RecipientInfosByEngineIdentifier(txn *Txn, engineID []byte) (
	[]MessageRecipientInfo, error) {
	var infos []MessageRecipientInfo
	err := txn.tx.Select(&infos, `
		SELECT * FROM message_recipient_infos
		WHERE engine_message_identifier = ?`, EncodeEngineIdentifier(engineID))
	if err != nil {
		return nil, errors.Errorf(queryRecipientInfoErr, err)
	}
	return infos, nil
}

// RecipientInfoByNonce returns the row matching a return-receipt nonce for
// the given recipient, or nil.
func RecipientInfoByNonce(txn *Txn, nonce []byte,
	recipient identity.Identity) (*MessageRecipientInfo, error) {
	ri := &MessageRecipientInfo{}
	err := txn.tx.Get(ri, `
		SELECT * FROM message_recipient_infos
		WHERE return_receipt_nonce = ? AND recipient = ?`, nonce, recipient)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Errorf(queryRecipientInfoErr, err)
	}
	return ri, nil
}

// ReceiptKeysForMessage returns the (nonce, key) pair already attached to any
// recipient info of the message, so a repost can reuse it. Both returns are
// nil when no row carries one yet.
func ReceiptKeysForMessage(txn *Txn, messageID int64) ([]byte, []byte, error) {
	infos, err := RecipientInfosForMessage(txn, messageID)
	if err != nil {
		return nil, nil, err
	}
	for i := range infos {
		if len(infos[i].ReturnReceiptNonce) != 0 {
			return infos[i].ReturnReceiptNonce, infos[i].ReturnReceiptKey, nil
		}
	}
	return nil, nil, nil
}

// UpdateRecipientInfo writes back every mutable column of ri.
func UpdateRecipientInfo(txn *Txn, ri *MessageRecipientInfo) error {
	_, err := txn.tx.NamedExec(`
		UPDATE message_recipient_infos SET
			engine_message_identifier = :engine_message_identifier,
			return_receipt_nonce = :return_receipt_nonce,
			return_receipt_key = :return_receipt_key,
			timestamp_sent = :timestamp_sent,
			timestamp_delivered = :timestamp_delivered,
			timestamp_read = :timestamp_read,
			unsent_attachment_numbers = :unsent_attachment_numbers,
			undelivered_attachment_numbers = :undelivered_attachment_numbers,
			unread_attachment_numbers = :unread_attachment_numbers
		WHERE id = :id`, ri)
	if err != nil {
		return errors.Errorf(updateRecipientInfoErr, ri.ID, err)
	}
	return nil
}

// RecipientInfosForDiscussion returns every recipient info attached to any
// message of the discussion.
func RecipientInfosForDiscussion(txn *Txn, discussionID int64) (
	[]MessageRecipientInfo, error) {
	var infos []MessageRecipientInfo
	err := txn.tx.Select(&infos, `
		SELECT ri.* FROM message_recipient_infos ri
		JOIN messages m ON m.id = ri.message_id
		WHERE m.discussion_id = ?
		ORDER BY ri.id ASC`, discussionID)
	if err != nil {
		return nil, errors.Errorf(queryRecipientInfoErr, err)
	}
	return infos, nil
}
