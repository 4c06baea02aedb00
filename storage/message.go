////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package storage

import (
	"database/sql"

	"github.com/pkg/errors"

	"gitlab.com/obscura-app/delivery/catalog"
	"gitlab.com/obscura-app/delivery/identity"
)

// Error messages.
const (
	insertMessageErr   = "failed to insert message: %+v"
	getMessageErr      = "failed to load message %d: %+v"
	queryMessageErr    = "failed to query messages: %+v"
	updateMessageErr   = "failed to update message %d: %+v"
	deleteMessageErr   = "failed to delete message %d: %+v"
	maxSortIndexErr    = "failed to compute max sort index for discussion %d: %+v"
	neighborMessageErr = "failed to find sequence neighbor in discussion %d: %+v"
)

// Message is one entry in a discussion. SortIndex orders it for display and
// is assigned exactly once at creation; SenderSequenceNumber orders it
// causally within its sender-thread and drives gap detection.
type Message struct {
	ID           int64 `db:"id"`
	DiscussionID int64 `db:"discussion_id"`

	// SenderIdentifier is empty for system-generated entries.
	SenderIdentifier       identity.Identity `db:"sender_identifier"`
	SenderThreadIdentifier []byte            `db:"sender_thread_identifier"`
	SenderSequenceNumber   uint64            `db:"sender_sequence_number"`

	SortIndex float64 `db:"sort_index"`
	Timestamp int64   `db:"timestamp"` // Unix milliseconds

	MessageType catalog.MessageType   `db:"message_type"`
	Status      catalog.MessageStatus `db:"status"`
	WipeStatus  catalog.WipeStatus    `db:"wipe_status"`

	Body string `db:"body"`

	// MissedMessageCount is the size of the sequence-number gap detected
	// immediately before this message within its sender-thread.
	MissedMessageCount int64 `db:"missed_message_count"`

	// Ephemeral settings carried by this message. Durations in seconds.
	VisibilityDuration int64 `db:"visibility_duration"`
	ExistenceDuration  int64 `db:"existence_duration"`
	ReadOnce           bool  `db:"read_once"`
	ExpirationStarted  bool  `db:"expiration_started"`

	// NewPublishedDetails marks entries that surface a contact's newly
	// published details; these are hard-deleted when the discussion locks.
	NewPublishedDetails bool `db:"new_published_details"`

	LocationSharing bool   `db:"location_sharing"`
	LocationPayload string `db:"location_payload"`

	ReplySenderIdentifier       identity.Identity `db:"reply_sender_identifier"`
	ReplySenderThreadIdentifier []byte            `db:"reply_sender_thread_identifier"`
	ReplySenderSequenceNumber   uint64            `db:"reply_sender_sequence_number"`

	// Return-receipt keys of an inbound message, remembered so delivery and
	// read acknowledgements can be sent back later.
	ReturnReceiptNonce []byte `db:"return_receipt_nonce"`
	ReturnReceiptKey   []byte `db:"return_receipt_key"`

	// ExtendedPayload is the precomputed preview handed to the engine
	// alongside the primary payload, when one exists.
	ExtendedPayload []byte `db:"extended_payload"`
}

// HasEphemeralSettings reports whether an expiration timer applies to the
// message once it leaves the device.
func (m *Message) HasEphemeralSettings() bool {
	return m.VisibilityDuration > 0 || m.ExistenceDuration > 0 || m.ReadOnce
}

// IsWiped reports whether the message body was destroyed locally or remotely;
// wiped messages are never reposted.
func (m *Message) IsWiped() bool {
	return m.WipeStatus == catalog.Wiped ||
		m.WipeStatus == catalog.RemoteDeleted
}

// InsertMessage stores m and fills in its assigned ID.
func InsertMessage(txn *Txn, m *Message) error {
	res, err := txn.tx.NamedExec(`
		INSERT INTO messages (discussion_id, sender_identifier,
			sender_thread_identifier, sender_sequence_number, sort_index,
			timestamp, message_type, status, wipe_status, body,
			missed_message_count, visibility_duration, existence_duration,
			read_once, expiration_started, new_published_details,
			location_sharing, location_payload, reply_sender_identifier,
			reply_sender_thread_identifier, reply_sender_sequence_number,
			return_receipt_nonce, return_receipt_key, extended_payload)
		VALUES (:discussion_id, :sender_identifier,
			:sender_thread_identifier, :sender_sequence_number, :sort_index,
			:timestamp, :message_type, :status, :wipe_status, :body,
			:missed_message_count, :visibility_duration, :existence_duration,
			:read_once, :expiration_started, :new_published_details,
			:location_sharing, :location_payload, :reply_sender_identifier,
			:reply_sender_thread_identifier, :reply_sender_sequence_number,
			:return_receipt_nonce, :return_receipt_key, :extended_payload)`, m)
	if err != nil {
		return errors.Errorf(insertMessageErr, err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return errors.Errorf(insertMessageErr, err)
	}
	return nil
}

// GetMessage loads a message by ID. Returns (nil, nil) when the row does not
// exist.
func GetMessage(txn *Txn, id int64) (*Message, error) {
	m := &Message{}
	err := txn.tx.Get(m, `SELECT * FROM messages WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Errorf(getMessageErr, id, err)
	}
	return m, nil
}

// MaxSortIndex returns the largest sort index in the discussion and whether
// the discussion holds any message at all.
func MaxSortIndex(txn *Txn, discussionID int64) (float64, bool, error) {
	var max sql.NullFloat64
	err := txn.tx.Get(&max,
		`SELECT MAX(sort_index) FROM messages WHERE discussion_id = ?`,
		discussionID)
	if err != nil {
		return 0, false, errors.Errorf(maxSortIndexErr, discussionID, err)
	}
	return max.Float64, max.Valid, nil
}

// NextBySequenceNumber returns the message immediately following the given
// sequence number within the same sender-thread, or nil.
func NextBySequenceNumber(txn *Txn, discussionID int64,
	sender identity.Identity, thread []byte, seq uint64) (*Message, error) {
	m := &Message{}
	err := txn.tx.Get(m, `
		SELECT * FROM messages
		WHERE discussion_id = ? AND sender_identifier = ?
			AND sender_thread_identifier = ? AND sender_sequence_number > ?
		ORDER BY sender_sequence_number ASC LIMIT 1`,
		discussionID, sender, thread, seq)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Errorf(neighborMessageErr, discussionID, err)
	}
	return m, nil
}

// PreviousBySequenceNumber returns the message immediately preceding the
// given sequence number within the same sender-thread, or nil.
func PreviousBySequenceNumber(txn *Txn, discussionID int64,
	sender identity.Identity, thread []byte, seq uint64) (*Message, error) {
	m := &Message{}
	err := txn.tx.Get(m, `
		SELECT * FROM messages
		WHERE discussion_id = ? AND sender_identifier = ?
			AND sender_thread_identifier = ? AND sender_sequence_number < ?
		ORDER BY sender_sequence_number DESC LIMIT 1`,
		discussionID, sender, thread, seq)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Errorf(neighborMessageErr, discussionID, err)
	}
	return m, nil
}

// SetMessageStatus updates the coarse message status.
func SetMessageStatus(txn *Txn, id int64, status catalog.MessageStatus) error {
	if _, err := txn.tx.Exec(
		`UPDATE messages SET status = ? WHERE id = ?`, status, id); err != nil {
		return errors.Errorf(updateMessageErr, id, err)
	}
	return nil
}

// SetMessageSortIndex writes the assigned sort index and possibly adjusted
// timestamp for a message.
func SetMessageSortIndex(txn *Txn, id int64, sortIndex float64,
	timestamp int64) error {
	if _, err := txn.tx.Exec(
		`UPDATE messages SET sort_index = ?, timestamp = ? WHERE id = ?`,
		sortIndex, timestamp, id); err != nil {
		return errors.Errorf(updateMessageErr, id, err)
	}
	return nil
}

// SetMissedMessageCount records a detected sequence gap on the message.
func SetMissedMessageCount(txn *Txn, id int64, count int64) error {
	if _, err := txn.tx.Exec(
		`UPDATE messages SET missed_message_count = ? WHERE id = ?`,
		count, id); err != nil {
		return errors.Errorf(updateMessageErr, id, err)
	}
	return nil
}

// SetExtendedPayload stores the computed preview for the message.
func SetExtendedPayload(txn *Txn, id int64, payload []byte) error {
	if _, err := txn.tx.Exec(
		`UPDATE messages SET extended_payload = ? WHERE id = ?`,
		payload, id); err != nil {
		return errors.Errorf(updateMessageErr, id, err)
	}
	return nil
}

// SetExpirationStarted marks the message's expiration timer as started.
func SetExpirationStarted(txn *Txn, id int64) error {
	if _, err := txn.tx.Exec(
		`UPDATE messages SET expiration_started = 1 WHERE id = ?`, id); err != nil {
		return errors.Errorf(updateMessageErr, id, err)
	}
	return nil
}

// DeleteMessage physically removes a message. Recipient infos and attachment
// joins cascade.
func DeleteMessage(txn *Txn, id int64) error {
	if _, err := txn.tx.Exec(
		`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return errors.Errorf(deleteMessageErr, id, err)
	}
	return nil
}

// CountMessages returns the number of messages in the discussion.
func CountMessages(txn *Txn, discussionID int64) (int64, error) {
	var n int64
	err := txn.tx.Get(&n,
		`SELECT COUNT(*) FROM messages WHERE discussion_id = ?`, discussionID)
	if err != nil {
		return 0, errors.Errorf(queryMessageErr, err)
	}
	return n, nil
}

// MessagesForDiscussion returns every message of the discussion in display
// order.
func MessagesForDiscussion(txn *Txn, discussionID int64) ([]Message, error) {
	var msgs []Message
	err := txn.tx.Select(&msgs, `
		SELECT * FROM messages WHERE discussion_id = ?
		ORDER BY sort_index ASC`, discussionID)
	if err != nil {
		return nil, errors.Errorf(queryMessageErr, err)
	}
	return msgs, nil
}

// DraftMessageIDs returns the IDs of draft messages in the discussion.
func DraftMessageIDs(txn *Txn, discussionID int64) ([]int64, error) {
	var ids []int64
	err := txn.tx.Select(&ids, `
		SELECT id FROM messages WHERE discussion_id = ? AND status = ?`,
		discussionID, catalog.StatusDraft)
	if err != nil {
		return nil, errors.Errorf(queryMessageErr, err)
	}
	return ids, nil
}

// NewPublishedDetailsMessageIDs returns the IDs of messages still carrying a
// new-published-details marker.
func NewPublishedDetailsMessageIDs(txn *Txn, discussionID int64) ([]int64,
	error) {
	var ids []int64
	err := txn.tx.Select(&ids, `
		SELECT id FROM messages
		WHERE discussion_id = ? AND new_published_details = 1`, discussionID)
	if err != nil {
		return nil, errors.Errorf(queryMessageErr, err)
	}
	return ids, nil
}

// StopLocationSharing force-stops any active location sharing in the
// discussion and returns how many messages were affected.
func StopLocationSharing(txn *Txn, discussionID int64) (int64, error) {
	res, err := txn.tx.Exec(`
		UPDATE messages SET location_sharing = 0
		WHERE discussion_id = ? AND location_sharing = 1`, discussionID)
	if err != nil {
		return 0, errors.Errorf(queryMessageErr, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
