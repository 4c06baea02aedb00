////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package discussion

import (
	"testing"

	"gitlab.com/elixxir/ekv"

	"gitlab.com/obscura-app/delivery/catalog"
	"gitlab.com/obscura-app/delivery/fyle"
	"gitlab.com/obscura-app/delivery/identity"
	"gitlab.com/obscura-app/delivery/ordering"
	"gitlab.com/obscura-app/delivery/storage"
)

type fixture struct {
	store *storage.Store
	mgr   *Manager
	eng   *mockEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory store: %+v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	eng := &mockEngine{}
	coord := fyle.NewCoordinator(ekv.MakeMemstore(), eng)
	mgr := NewManager(eng, coord, ordering.NewAllocator(), t.TempDir())
	return &fixture{store: s, mgr: mgr, eng: eng}
}

var owner = identity.Identity("owner")

// insertMessage adds an outbound message to the discussion with the given
// status.
func insertMessage(t *testing.T, txn *storage.Txn, d *storage.Discussion,
	seq uint64, status catalog.MessageStatus) *storage.Message {
	t.Helper()
	m := &storage.Message{
		DiscussionID:           d.ID,
		SenderIdentifier:       d.Owner,
		SenderThreadIdentifier: d.SenderThreadIdentifier,
		SenderSequenceNumber:   seq,
		Timestamp:              int64(10_000 + 100*seq),
		SortIndex:              float64(10_000 + 100*seq),
		MessageType:            catalog.Outbound,
		Status:                 status,
	}
	if err := storage.InsertMessage(txn, m); err != nil {
		t.Fatalf("Failed to insert message: %+v", err)
	}
	return m
}

// Tests that CreateOrReuse creates a NORMAL discussion with the default
// ephemeral settings and a sender thread identifier, and that a second call
// hands back the same row.
func TestManager_CreateOrReuse_CreatesAndReuses(t *testing.T) {
	f := newFixture(t)
	defaults := storage.EphemeralSettings{ExistenceDuration: 86_400}

	err := f.store.InTxn(func(txn *storage.Txn) error {
		first, err := f.mgr.CreateOrReuse(txn, owner, catalog.KindOneToOne,
			[]byte("alice"), "Alice", defaults)
		if err != nil {
			t.Fatalf("Failed to create discussion: %+v", err)
		}
		if first.Status != catalog.DiscussionNormal {
			t.Errorf("New discussion is %s, not Normal.", first.Status)
		}
		if len(first.SenderThreadIdentifier) != threadIdentifierLen {
			t.Errorf("Sender thread identifier has %d bytes, expected %d.",
				len(first.SenderThreadIdentifier), threadIdentifierLen)
		}
		if first.ExistenceDuration != defaults.ExistenceDuration {
			t.Errorf("Default ephemeral settings not applied: %d",
				first.ExistenceDuration)
		}

		second, err := f.mgr.CreateOrReuse(txn, owner, catalog.KindOneToOne,
			[]byte("alice"), "Alice", defaults)
		if err != nil {
			t.Fatalf("Failed to reuse discussion: %+v", err)
		}
		if second.ID != first.ID {
			t.Errorf("Reuse created a second discussion: %d vs %d.",
				second.ID, first.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %+v", err)
	}
}

// Tests that CreateOrReuse promotes a PRE_DISCUSSION shell to NORMAL and
// applies the defaults at that moment.
func TestManager_CreateOrReuse_PromotesPreDiscussion(t *testing.T) {
	f := newFixture(t)

	err := f.store.InTxn(func(txn *storage.Txn) error {
		shell := &storage.Discussion{
			Owner:                  owner,
			Kind:                   catalog.KindOneToOne,
			Identifier:             []byte("bob"),
			Status:                 catalog.DiscussionPreDiscussion,
			SenderThreadIdentifier: []byte("thread"),
		}
		if err := storage.InsertDiscussion(txn, shell); err != nil {
			t.Fatalf("Failed to insert shell: %+v", err)
		}

		d, err := f.mgr.CreateOrReuse(txn, owner, catalog.KindOneToOne,
			[]byte("bob"), "Bob",
			storage.EphemeralSettings{ReadOnce: true})
		if err != nil {
			t.Fatalf("Failed to promote shell: %+v", err)
		}
		if d.ID != shell.ID {
			t.Errorf("Promotion created a new discussion: %d vs %d.",
				d.ID, shell.ID)
		}
		if d.Status != catalog.DiscussionNormal {
			t.Errorf("Promoted discussion is %s, not Normal.", d.Status)
		}
		if !d.ReadOnce {
			t.Error("Default ephemeral settings not applied on promotion.")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %+v", err)
	}
}

// Tests that reviving a locked discussion flips it back to NORMAL and
// appends the kind-specific re-join system message.
func TestManager_CreateOrReuse_RevivesLocked(t *testing.T) {
	f := newFixture(t)

	err := f.store.InTxn(func(txn *storage.Txn) error {
		d, err := f.mgr.CreateOrReuse(txn, owner, catalog.KindGroupV2,
			[]byte("group"), "Group", storage.EphemeralSettings{})
		if err != nil {
			t.Fatalf("Failed to create discussion: %+v", err)
		}
		insertMessage(t, txn, d, 1, catalog.StatusDelivered)
		if err = f.mgr.Lock(txn, d.ID); err != nil {
			t.Fatalf("Failed to lock discussion: %+v", err)
		}

		revived, err := f.mgr.CreateOrReuse(txn, owner, catalog.KindGroupV2,
			[]byte("group"), "Group", storage.EphemeralSettings{})
		if err != nil {
			t.Fatalf("Failed to revive discussion: %+v", err)
		}
		if revived.ID != d.ID {
			t.Errorf("Revival created a new discussion: %d vs %d.",
				revived.ID, d.ID)
		}
		if revived.Status != catalog.DiscussionNormal {
			t.Errorf("Revived discussion is %s, not Normal.", revived.Status)
		}

		msgs, err := storage.MessagesForDiscussion(txn, d.ID)
		if err != nil {
			t.Fatalf("Failed to list messages: %+v", err)
		}
		var rejoins int
		for _, m := range msgs {
			if m.MessageType == catalog.SystemGroupRejoined {
				rejoins++
			}
		}
		if rejoins != 1 {
			t.Errorf("Expected exactly one rejoin system message, found %d.",
				rejoins)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %+v", err)
	}
}

// Tests the permission flips between NORMAL and READ_ONLY and that a locked
// discussion is immune to them.
func TestManager_PermissionFlips(t *testing.T) {
	f := newFixture(t)

	err := f.store.InTxn(func(txn *storage.Txn) error {
		d, err := f.mgr.CreateOrReuse(txn, owner, catalog.KindGroupV2,
			[]byte("group"), "Group", storage.EphemeralSettings{})
		if err != nil {
			t.Fatalf("Failed to create discussion: %+v", err)
		}

		if err = f.mgr.SetReadOnly(txn, d.ID); err != nil {
			t.Fatalf("Failed to set read-only: %+v", err)
		}
		got, _ := storage.GetDiscussion(txn, d.ID)
		if got.Status != catalog.DiscussionReadOnly {
			t.Errorf("Discussion is %s, not ReadOnly.", got.Status)
		}

		if err = f.mgr.SetNormal(txn, d.ID); err != nil {
			t.Fatalf("Failed to restore normal: %+v", err)
		}
		got, _ = storage.GetDiscussion(txn, d.ID)
		if got.Status != catalog.DiscussionNormal {
			t.Errorf("Discussion is %s, not Normal.", got.Status)
		}

		insertMessage(t, txn, d, 1, catalog.StatusDelivered)
		if err = f.mgr.Lock(txn, d.ID); err != nil {
			t.Fatalf("Failed to lock discussion: %+v", err)
		}
		if err = f.mgr.SetNormal(txn, d.ID); err != nil {
			t.Fatalf("SetNormal on locked discussion errored: %+v", err)
		}
		got, _ = storage.GetDiscussion(txn, d.ID)
		if got.Status != catalog.DiscussionLocked {
			t.Errorf("Permission flip escaped the locked state: %s.",
				got.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %+v", err)
	}
}

// Tests that locking an empty discussion deletes it outright.
func TestManager_Lock_EmptyDeletes(t *testing.T) {
	f := newFixture(t)

	err := f.store.InTxn(func(txn *storage.Txn) error {
		d, err := f.mgr.CreateOrReuse(txn, owner, catalog.KindOneToOne,
			[]byte("alice"), "Alice", storage.EphemeralSettings{})
		if err != nil {
			t.Fatalf("Failed to create discussion: %+v", err)
		}
		if err = f.mgr.Lock(txn, d.ID); err != nil {
			t.Fatalf("Failed to lock discussion: %+v", err)
		}

		got, err := storage.GetDiscussion(txn, d.ID)
		if err != nil {
			t.Fatalf("Failed to load discussion: %+v", err)
		}
		if got != nil {
			t.Errorf("Empty discussion survived the lock as %s.", got.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %+v", err)
	}
}

// Tests the full lock side-effect list on a populated discussion: drafts
// purged, unsent recipient infos terminally processed with their in-flight
// sends cancelled, the message forced UNDELIVERED, exactly one system
// message appended, and the attention indicator cleared. Locking twice is a
// no-op.
func TestManager_Lock_SideEffects(t *testing.T) {
	f := newFixture(t)

	err := f.store.InTxn(func(txn *storage.Txn) error {
		d, err := f.mgr.CreateOrReuse(txn, owner, catalog.KindOneToOne,
			[]byte("alice"), "Alice", storage.EphemeralSettings{})
		if err != nil {
			t.Fatalf("Failed to create discussion: %+v", err)
		}

		draft := insertMessage(t, txn, d, 1, catalog.StatusDraft)
		inflight := insertMessage(t, txn, d, 2, catalog.StatusProcessing)

		handle := storage.EncodeEngineIdentifier([]byte{0x01, 0x02})
		ri := &storage.MessageRecipientInfo{
			MessageID:               inflight.ID,
			Recipient:               identity.Identity("alice"),
			EngineMessageIdentifier: &handle,
		}
		if err = storage.InsertRecipientInfo(txn, ri); err != nil {
			t.Fatalf("Failed to insert recipient info: %+v", err)
		}

		if err = f.mgr.Lock(txn, d.ID); err != nil {
			t.Fatalf("Failed to lock discussion: %+v", err)
		}

		if got, _ := storage.GetMessage(txn, draft.ID); got != nil {
			t.Error("Draft survived the lock.")
		}

		got, err := storage.GetRecipientInfo(txn, ri.ID)
		if err != nil {
			t.Fatalf("Failed to load recipient info: %+v", err)
		}
		if !got.TerminallyProcessed() {
			t.Error("Unsent recipient info was not terminally processed.")
		}
		if len(f.eng.cancelledSends) != 1 {
			t.Errorf("Expected 1 send cancellation, recorded %d.",
				len(f.eng.cancelledSends))
		}

		msg, _ := storage.GetMessage(txn, inflight.ID)
		if msg.Status != catalog.StatusUndelivered {
			t.Errorf("In-flight message is %s, not Undelivered.", msg.Status)
		}

		locked, _ := storage.GetDiscussion(txn, d.ID)
		if locked.Status != catalog.DiscussionLocked {
			t.Errorf("Discussion is %s, not Locked.", locked.Status)
		}
		if locked.AttentionNeeded {
			t.Error("Attention indicator survived the lock.")
		}

		msgs, _ := storage.MessagesForDiscussion(txn, d.ID)
		var system int
		for _, m := range msgs {
			if m.MessageType == catalog.SystemContactRemoved {
				system++
			}
		}
		if system != 1 {
			t.Errorf("Expected exactly one contact-removed system message, "+
				"found %d.", system)
		}

		// Locking again must change nothing.
		before := len(msgs)
		if err = f.mgr.Lock(txn, d.ID); err != nil {
			t.Fatalf("Second lock errored: %+v", err)
		}
		msgs, _ = storage.MessagesForDiscussion(txn, d.ID)
		if len(msgs) != before {
			t.Errorf("Second lock changed the message count: %d vs %d.",
				len(msgs), before)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %+v", err)
	}
}
