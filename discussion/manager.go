////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package discussion drives the conversation lifecycle state machine:
// PRE_DISCUSSION and LOCKED discussions are revived to NORMAL when the
// underlying relationship is (re)established, permission flips move between
// NORMAL and READ_ONLY, and Lock retires a discussion when the contact is
// removed or the group left.
package discussion

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/obscura-app/delivery/catalog"
	"gitlab.com/obscura-app/delivery/engine"
	"gitlab.com/obscura-app/delivery/fyle"
	"gitlab.com/obscura-app/delivery/identity"
	"gitlab.com/obscura-app/delivery/ordering"
	"gitlab.com/obscura-app/delivery/storage"
)

// Error messages.
const (
	threadIdentifierErr = "failed to generate sender thread identifier: %+v"
	lockNoDiscussion    = "[discussion] Lock of %d refused: discussion not found"
	lockAlreadyLocked   = "[discussion] Lock of %d refused: already locked"
	cancelSendWarn      = "[discussion] Failed to cancel in-flight send for " +
		"recipient info %d: %+v"
	photoCopyWarn = "[discussion] Failed to copy out photo of discussion " +
		"%d, clearing URL: %+v"
)

// threadIdentifierLen is the size of the random per-device sender thread
// identifier.
const threadIdentifierLen = 16

// Manager owns discussion lifecycle transitions. All operations require an
// open transaction; multi-row side effects of Lock must commit atomically.
type Manager struct {
	eng       engine.Engine
	coord     *fyle.Coordinator
	allocator *ordering.Allocator

	// lockedPhotoDir receives copies of discussion photos whose original
	// files live in directories invalidated by the lock. Empty disables the
	// copy-out.
	lockedPhotoDir string
}

// NewManager creates a discussion lifecycle manager.
func NewManager(eng engine.Engine, coord *fyle.Coordinator,
	allocator *ordering.Allocator, lockedPhotoDir string) *Manager {
	return &Manager{
		eng:            eng,
		coord:          coord,
		allocator:      allocator,
		lockedPhotoDir: lockedPhotoDir,
	}
}

// CreateOrReuse returns the active discussion for the triple, reviving a
// PRE_DISCUSSION or LOCKED one when the relationship is (re)established and
// creating a fresh NORMAL one otherwise. Reviving a locked discussion
// appends the kind-specific re-join system message; promoting a
// pre-discussion applies the given default ephemeral settings.
func (m *Manager) CreateOrReuse(txn *storage.Txn, owner identity.Identity,
	kind catalog.DiscussionKind, identifier []byte, title string,
	defaults storage.EphemeralSettings) (*storage.Discussion, error) {
	d, err := storage.ActiveDiscussion(txn, owner, kind, identifier)
	if err != nil {
		return nil, err
	}
	if d != nil {
		if d.Status == catalog.DiscussionPreDiscussion {
			if err = storage.SetDiscussionStatus(
				txn, d.ID, catalog.DiscussionNormal); err != nil {
				return nil, err
			}
			if err = storage.SetDiscussionEphemeralSettings(
				txn, d.ID, defaults); err != nil {
				return nil, err
			}
			d.Status = catalog.DiscussionNormal
			d.VisibilityDuration = defaults.VisibilityDuration
			d.ExistenceDuration = defaults.ExistenceDuration
			d.ReadOnce = defaults.ReadOnce
		}
		return d, nil
	}

	d, err = storage.LatestLockedDiscussion(txn, owner, kind, identifier)
	if err != nil {
		return nil, err
	}
	if d != nil {
		if err = storage.SetDiscussionStatus(
			txn, d.ID, catalog.DiscussionNormal); err != nil {
			return nil, err
		}
		d.Status = catalog.DiscussionNormal
		if err = m.appendSystemMessage(txn, d, rejoinType(kind)); err != nil {
			return nil, err
		}
		return d, nil
	}

	thread := make([]byte, threadIdentifierLen)
	if _, err = rand.Read(thread); err != nil {
		return nil, errors.Errorf(threadIdentifierErr, err)
	}
	d = &storage.Discussion{
		Owner:                  owner,
		Kind:                   kind,
		Identifier:             identifier,
		Title:                  title,
		Status:                 catalog.DiscussionNormal,
		SenderThreadIdentifier: thread,
		VisibilityDuration:     defaults.VisibilityDuration,
		ExistenceDuration:      defaults.ExistenceDuration,
		ReadOnce:               defaults.ReadOnce,
	}
	if err = storage.InsertDiscussion(txn, d); err != nil {
		return nil, err
	}
	return d, nil
}

// SetReadOnly flips the discussion to READ_ONLY after a permission loss in a
// permissioned group. No-op when already read-only or locked.
func (m *Manager) SetReadOnly(txn *storage.Txn, id int64) error {
	return m.flipPermission(txn, id, catalog.DiscussionReadOnly)
}

// SetNormal restores send permission on a READ_ONLY discussion.
func (m *Manager) SetNormal(txn *storage.Txn, id int64) error {
	return m.flipPermission(txn, id, catalog.DiscussionNormal)
}

func (m *Manager) flipPermission(txn *storage.Txn, id int64,
	to catalog.DiscussionStatus) error {
	d, err := storage.GetDiscussion(txn, id)
	if err != nil {
		return err
	}
	if d == nil || d.Status == catalog.DiscussionLocked || d.Status == to {
		return nil
	}
	return storage.SetDiscussionStatus(txn, id, to)
}

// Lock retires a discussion after its contact was removed or its group left.
// Drafts and unpublished-details messages are purged, every unsent recipient
// info is terminally processed with its in-flight engine send cancelled, and
// the discussion is either deleted outright (when no messages remain) or
// moved to LOCKED with a kind-specific system message appended. The photo is
// copied out of its soon-to-be-invalid source directory best-effort, active
// location sharing is stopped, and the attention indicator cleared.
//
// Refused, with a log line and no state change, when the discussion is gone
// or already locked.
func (m *Manager) Lock(txn *storage.Txn, id int64) error {
	d, err := storage.GetDiscussion(txn, id)
	if err != nil {
		return err
	}
	if d == nil {
		jww.ERROR.Printf(lockNoDiscussion, id)
		return nil
	}
	if d.Status == catalog.DiscussionLocked {
		jww.ERROR.Printf(lockAlreadyLocked, id)
		return nil
	}

	if err = m.purgeDrafts(txn, d); err != nil {
		return err
	}
	if err = m.purgeNewPublishedDetails(txn, d); err != nil {
		return err
	}
	if err = m.retireRecipientInfos(txn, d); err != nil {
		return err
	}

	n, err := storage.CountMessages(txn, d.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		// Nothing worth keeping for history.
		return storage.DeleteDiscussion(txn, d.ID)
	}

	if err = storage.SetDiscussionStatus(
		txn, d.ID, catalog.DiscussionLocked); err != nil {
		return err
	}
	if err = m.appendSystemMessage(txn, d, lockType(d.Kind)); err != nil {
		return err
	}
	m.copyOutPhoto(txn, d)
	if _, err = storage.StopLocationSharing(txn, d.ID); err != nil {
		return err
	}
	return storage.ClearAttentionNeeded(txn, d.ID)
}

// purgeDrafts hard-deletes draft messages and their attachment joins.
func (m *Manager) purgeDrafts(txn *storage.Txn, d *storage.Discussion) error {
	ids, err := storage.DraftMessageIDs(txn, d.ID)
	if err != nil {
		return err
	}
	return m.hardDelete(txn, d, ids)
}

// purgeNewPublishedDetails hard-deletes messages still flagged as carrying
// unseen published details.
func (m *Manager) purgeNewPublishedDetails(txn *storage.Txn,
	d *storage.Discussion) error {
	ids, err := storage.NewPublishedDetailsMessageIDs(txn, d.ID)
	if err != nil {
		return err
	}
	return m.hardDelete(txn, d, ids)
}

func (m *Manager) hardDelete(txn *storage.Txn, d *storage.Discussion,
	messageIDs []int64) error {
	for _, id := range messageIDs {
		err := m.coord.DeleteMessageJoins(txn, d.Owner, id, nil)
		if err != nil {
			return err
		}
		if err = storage.DeleteMessage(txn, id); err != nil {
			return err
		}
	}
	return nil
}

// retireRecipientInfos terminally processes every recipient info the engine
// never confirmed sent, cancelling its in-flight send when a handle exists,
// and forces the owning messages to UNDELIVERED.
func (m *Manager) retireRecipientInfos(txn *storage.Txn,
	d *storage.Discussion) error {
	infos, err := storage.RecipientInfosForDiscussion(txn, d.ID)
	if err != nil {
		return err
	}

	undelivered := make(map[int64]bool)
	for i := range infos {
		ri := &infos[i]
		if ri.TerminallyProcessed() || ri.TimestampSent != nil {
			continue
		}
		if ri.HasEngineHandle() {
			err = m.eng.CancelMessageSending(
				d.Owner, ri.EngineIdentifierBytes())
			if err != nil {
				jww.WARN.Printf(cancelSendWarn, ri.ID, err)
			}
		}
		processed := ""
		ri.EngineMessageIdentifier = &processed
		zero := int64(0)
		ri.TimestampSent = &zero
		if err = storage.UpdateRecipientInfo(txn, ri); err != nil {
			return err
		}
		undelivered[ri.MessageID] = true
	}

	for messageID := range undelivered {
		msg, err := storage.GetMessage(txn, messageID)
		if err != nil {
			return err
		}
		if msg == nil || msg.Status.HasLeftDevice() {
			continue
		}
		err = storage.SetMessageStatus(
			txn, messageID, catalog.StatusUndelivered)
		if err != nil {
			return err
		}
	}
	return nil
}

// appendSystemMessage inserts a locally generated system-info message at the
// end of the discussion.
func (m *Manager) appendSystemMessage(txn *storage.Txn,
	d *storage.Discussion, messageType catalog.MessageType) error {
	seq, err := storage.NextSequenceNumber(txn, d.ID)
	if err != nil {
		return err
	}
	now := netTime.Now().UnixMilli()
	msg := &storage.Message{
		DiscussionID:           d.ID,
		SenderThreadIdentifier: d.SenderThreadIdentifier,
		SenderSequenceNumber:   seq,
		Timestamp:              now,
		MessageType:            messageType,
		Status:                 catalog.StatusDelivered,
	}
	if err = storage.InsertMessage(txn, msg); err != nil {
		return err
	}
	p, err := m.allocator.ComputeOutboundSortIndex(txn, d.ID, now)
	if err != nil {
		return err
	}
	return storage.SetMessageSortIndex(txn, msg.ID, p.SortIndex, p.Timestamp)
}

// copyOutPhoto moves the discussion photo into the locked-photo directory.
// On any I/O failure the URL is cleared rather than left dangling.
func (m *Manager) copyOutPhoto(txn *storage.Txn, d *storage.Discussion) {
	if d.PhotoURL == "" || m.lockedPhotoDir == "" {
		return
	}
	dest := filepath.Join(m.lockedPhotoDir,
		fmt.Sprintf("discussion-%d%s", d.ID, filepath.Ext(d.PhotoURL)))
	err := copyFile(d.PhotoURL, dest)
	if err != nil {
		jww.WARN.Printf(photoCopyWarn, d.ID, err)
		dest = ""
	}
	if err = storage.SetDiscussionPhotoURL(txn, d.ID, dest); err != nil {
		jww.WARN.Printf(photoCopyWarn, d.ID, err)
	}
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0600)
}

// rejoinType maps a discussion kind to the system message announcing the
// relationship was re-established.
func rejoinType(kind catalog.DiscussionKind) catalog.MessageType {
	if kind == catalog.KindOneToOne {
		return catalog.SystemContactReAdded
	}
	return catalog.SystemGroupRejoined
}

// lockType maps a discussion kind to the system message announcing the lock.
func lockType(kind catalog.DiscussionKind) catalog.MessageType {
	if kind == catalog.KindOneToOne {
		return catalog.SystemContactRemoved
	}
	return catalog.SystemGroupLeft
}
