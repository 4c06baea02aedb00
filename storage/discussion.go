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
	insertDiscussionErr  = "failed to insert discussion: %+v"
	getDiscussionErr     = "failed to load discussion %d: %+v"
	lookupDiscussionErr  = "failed to look up discussion: %+v"
	updateDiscussionErr  = "failed to update discussion %d: %+v"
	deleteDiscussionErr  = "failed to delete discussion %d: %+v"
	sequenceAdvanceErr   = "failed to advance sequence number for discussion %d: %+v"
	discussionGoneDuring = "discussion %d disappeared mid-transaction"
)

// Discussion is one conversation thread under one owned identity. The
// (owner, kind, identifier) triple identifies it; at most one non-locked row
// exists per triple.
type Discussion struct {
	ID         int64                    `db:"id"`
	Owner      identity.Identity        `db:"owner"`
	Kind       catalog.DiscussionKind   `db:"kind"`
	Identifier []byte                   `db:"identifier"`
	Title      string                   `db:"title"`
	Status     catalog.DiscussionStatus `db:"status"`

	// LastOutboundSequenceNumber backs the per-device monotonic counter;
	// SenderThreadIdentifier scopes it so several devices of the same
	// identity never collide.
	LastOutboundSequenceNumber uint64 `db:"last_outbound_sequence_number"`
	SenderThreadIdentifier     []byte `db:"sender_thread_identifier"`

	PhotoURL        string `db:"photo_url"`
	AttentionNeeded bool   `db:"attention_needed"`

	// Shared ephemeral-message settings currently applied to the discussion.
	// Durations are in seconds; zero means none.
	VisibilityDuration int64 `db:"visibility_duration"`
	ExistenceDuration  int64 `db:"existence_duration"`
	ReadOnce           bool  `db:"read_once"`
}

// EphemeralSettings is the shared (or default) ephemeral-message
// configuration applied to new messages in a discussion.
type EphemeralSettings struct {
	VisibilityDuration int64
	ExistenceDuration  int64
	ReadOnce           bool
}

// IsZero reports whether no ephemeral behavior is configured.
func (e EphemeralSettings) IsZero() bool {
	return e.VisibilityDuration == 0 && e.ExistenceDuration == 0 && !e.ReadOnce
}

// InsertDiscussion stores d and fills in its assigned ID.
func InsertDiscussion(txn *Txn, d *Discussion) error {
	res, err := txn.tx.NamedExec(`
		INSERT INTO discussions (owner, kind, identifier, title, status,
			last_outbound_sequence_number, sender_thread_identifier,
			photo_url, attention_needed, visibility_duration,
			existence_duration, read_once)
		VALUES (:owner, :kind, :identifier, :title, :status,
			:last_outbound_sequence_number, :sender_thread_identifier,
			:photo_url, :attention_needed, :visibility_duration,
			:existence_duration, :read_once)`, d)
	if err != nil {
		return errors.Errorf(insertDiscussionErr, err)
	}
	d.ID, err = res.LastInsertId()
	if err != nil {
		return errors.Errorf(insertDiscussionErr, err)
	}
	return nil
}

// GetDiscussion loads a discussion by ID. Returns (nil, nil) when the row
// does not exist.
func GetDiscussion(txn *Txn, id int64) (*Discussion, error) {
	d := &Discussion{}
	err := txn.tx.Get(d, `SELECT * FROM discussions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Errorf(getDiscussionErr, id, err)
	}
	return d, nil
}

// ActiveDiscussion returns the single non-locked discussion for the triple,
// or nil when none exists.
func ActiveDiscussion(txn *Txn, owner identity.Identity,
	kind catalog.DiscussionKind, identifier []byte) (*Discussion, error) {
	d := &Discussion{}
	err := txn.tx.Get(d, `
		SELECT * FROM discussions
		WHERE owner = ? AND kind = ? AND identifier = ? AND status != ?`,
		owner, kind, identifier, catalog.DiscussionLocked)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Errorf(lookupDiscussionErr, err)
	}
	return d, nil
}

// LatestLockedDiscussion returns the most recently created locked discussion
// for the triple, or nil. Used by create-or-reuse to resurrect history when a
// relationship is re-established.
func LatestLockedDiscussion(txn *Txn, owner identity.Identity,
	kind catalog.DiscussionKind, identifier []byte) (*Discussion, error) {
	d := &Discussion{}
	err := txn.tx.Get(d, `
		SELECT * FROM discussions
		WHERE owner = ? AND kind = ? AND identifier = ? AND status = ?
		ORDER BY id DESC LIMIT 1`,
		owner, kind, identifier, catalog.DiscussionLocked)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Errorf(lookupDiscussionErr, err)
	}
	return d, nil
}

// SetDiscussionStatus updates the lifecycle status of a discussion.
func SetDiscussionStatus(txn *Txn, id int64,
	status catalog.DiscussionStatus) error {
	if _, err := txn.tx.Exec(
		`UPDATE discussions SET status = ? WHERE id = ?`, status, id); err != nil {
		return errors.Errorf(updateDiscussionErr, id, err)
	}
	return nil
}

// SetDiscussionEphemeralSettings stores the shared ephemeral settings.
func SetDiscussionEphemeralSettings(txn *Txn, id int64,
	settings EphemeralSettings) error {
	if _, err := txn.tx.Exec(`
		UPDATE discussions
		SET visibility_duration = ?, existence_duration = ?, read_once = ?
		WHERE id = ?`,
		settings.VisibilityDuration, settings.ExistenceDuration,
		settings.ReadOnce, id); err != nil {
		return errors.Errorf(updateDiscussionErr, id, err)
	}
	return nil
}

// SetDiscussionPhotoURL updates (or, with an empty string, clears) the
// discussion photo location.
func SetDiscussionPhotoURL(txn *Txn, id int64, url string) error {
	if _, err := txn.tx.Exec(
		`UPDATE discussions SET photo_url = ? WHERE id = ?`, url, id); err != nil {
		return errors.Errorf(updateDiscussionErr, id, err)
	}
	return nil
}

// ClearAttentionNeeded drops the attention-required indicator.
func ClearAttentionNeeded(txn *Txn, id int64) error {
	if _, err := txn.tx.Exec(
		`UPDATE discussions SET attention_needed = 0 WHERE id = ?`, id); err != nil {
		return errors.Errorf(updateDiscussionErr, id, err)
	}
	return nil
}

// DeleteDiscussion physically removes the discussion row. Messages cascade.
func DeleteDiscussion(txn *Txn, id int64) error {
	if _, err := txn.tx.Exec(
		`DELETE FROM discussions WHERE id = ?`, id); err != nil {
		return errors.Errorf(deleteDiscussionErr, id, err)
	}
	return nil
}

// NextSequenceNumber advances and returns the discussion's outbound sequence
// counter. The first number handed out is 1.
func NextSequenceNumber(txn *Txn, id int64) (uint64, error) {
	res, err := txn.tx.Exec(`
		UPDATE discussions
		SET last_outbound_sequence_number = last_outbound_sequence_number + 1
		WHERE id = ?`, id)
	if err != nil {
		return 0, errors.Errorf(sequenceAdvanceErr, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, errors.Errorf(discussionGoneDuring, id)
	}

	var seq uint64
	err = txn.tx.Get(&seq, `
		SELECT last_outbound_sequence_number FROM discussions WHERE id = ?`, id)
	if err != nil {
		return 0, errors.Errorf(sequenceAdvanceErr, id, err)
	}
	return seq, nil
}
