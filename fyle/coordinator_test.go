////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package fyle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"

	"gitlab.com/elixxir/ekv"

	"gitlab.com/obscura-app/delivery/catalog"
	"gitlab.com/obscura-app/delivery/identity"
	"gitlab.com/obscura-app/delivery/storage"
)

type fixture struct {
	store *storage.Store
	coord *Coordinator
	eng   *mockEngine
	blobs ekv.KeyValue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory store: %+v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	blobs := ekv.MakeMemstore()
	eng := &mockEngine{}
	return &fixture{
		store: s,
		coord: NewCoordinator(blobs, eng),
		eng:   eng,
		blobs: blobs,
	}
}

var contactCounter int64

// newTestMessage inserts a discussion and an outbound message in it,
// returning the message ID. Each call uses a fresh contact so the
// one-active-discussion constraint never trips.
func newTestMessage(t *testing.T, txn *storage.Txn) int64 {
	t.Helper()
	contactCounter++
	d := &storage.Discussion{
		Owner:                  identity.Identity("owner"),
		Kind:                   catalog.KindOneToOne,
		Identifier:             identity.Identity(fmt.Sprintf("contact-%d", contactCounter)),
		SenderThreadIdentifier: []byte("thread-self"),
	}
	if err := storage.InsertDiscussion(txn, d); err != nil {
		t.Fatalf("Failed to insert discussion: %+v", err)
	}
	m := &storage.Message{
		DiscussionID:           d.ID,
		SenderIdentifier:       identity.Identity("owner"),
		SenderThreadIdentifier: []byte("thread-self"),
		SenderSequenceNumber:   1,
		Timestamp:              10_000,
		SortIndex:              10_000,
		MessageType:            catalog.Outbound,
		Status:                 catalog.StatusUnprocessed,
	}
	if err := storage.InsertMessage(txn, m); err != nil {
		t.Fatalf("Failed to insert message: %+v", err)
	}
	return m.ID
}

// Tests that storing the same content twice yields the same fyle row and
// that the blob round-trips.
func TestCoordinator_GetOrCreate_Dedup(t *testing.T) {
	f := newFixture(t)
	content := []byte("the same picture twice")

	err := f.store.InTxn(func(txn *storage.Txn) error {
		first, err := f.coord.GetOrCreate(txn, content)
		if err != nil {
			t.Fatalf("Failed to create fyle: %+v", err)
		}
		second, err := f.coord.GetOrCreate(txn, content)
		if err != nil {
			t.Fatalf("Failed to look up fyle: %+v", err)
		}
		if first.ID != second.ID {
			t.Errorf("Identical content produced two fyles: %d vs %d",
				first.ID, second.ID)
		}

		sum := sha256.Sum256(content)
		if !bytes.Equal(first.Digest, sum[:]) {
			t.Errorf("Unexpected digest.\nexpected: %x\nreceived: %x",
				sum[:], first.Digest)
		}

		data, err := f.coord.Content(first)
		if err != nil {
			t.Fatalf("Failed to load blob: %+v", err)
		}
		if !bytes.Equal(data, content) {
			t.Errorf("Blob did not round-trip.\nexpected: %q\nreceived: %q",
				content, data)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %+v", err)
	}
}

// Tests that a fyle shared by two messages survives the first detach and is
// garbage collected, blob included, after the last one.
func TestCoordinator_DeleteJoin_ReferenceCounting(t *testing.T) {
	f := newFixture(t)
	content := []byte("shared attachment bytes")

	err := f.store.InTxn(func(txn *storage.Txn) error {
		msgA := newTestMessage(t, txn)
		msgB := newTestMessage(t, txn)

		fy, err := f.coord.GetOrCreate(txn, content)
		if err != nil {
			t.Fatalf("Failed to create fyle: %+v", err)
		}
		joinA, err := f.coord.Attach(txn, fy, msgA, 0, "a.jpg",
			"image/jpeg", catalog.AttachmentComplete)
		if err != nil {
			t.Fatalf("Failed to attach to message A: %+v", err)
		}
		joinB, err := f.coord.Attach(txn, fy, msgB, 0, "b.jpg",
			"image/jpeg", catalog.AttachmentComplete)
		if err != nil {
			t.Fatalf("Failed to attach to message B: %+v", err)
		}

		if err = f.coord.DeleteJoin(txn, identity.Identity("owner"),
			joinA, nil); err != nil {
			t.Fatalf("Failed to delete first join: %+v", err)
		}
		still, err := storage.GetFyle(txn, fy.ID)
		if err != nil {
			t.Fatalf("Failed to load fyle: %+v", err)
		}
		if still == nil {
			t.Fatal("Fyle deleted while a second message still references it.")
		}

		if err = f.coord.DeleteJoin(txn, identity.Identity("owner"),
			joinB, nil); err != nil {
			t.Fatalf("Failed to delete last join: %+v", err)
		}
		gone, err := storage.GetFyle(txn, fy.ID)
		if err != nil {
			t.Fatalf("Failed to load fyle: %+v", err)
		}
		if gone != nil {
			t.Error("Fyle row survived the last join deletion.")
		}

		key := hex.EncodeToString(fy.Digest)
		var b blob
		if err = f.blobs.Get(key, &b); ekv.Exists(err) {
			t.Error("Blob survived the last join deletion.")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %+v", err)
	}
}

// Tests that detaching cancels in-flight engine work appropriate to the
// attachment's direction.
func TestCoordinator_DeleteJoin_CancelsEngineWork(t *testing.T) {
	f := newFixture(t)
	engineID := []byte{0xAA, 0xBB}

	err := f.store.InTxn(func(txn *storage.Txn) error {
		msgID := newTestMessage(t, txn)

		up, err := f.coord.GetOrCreate(txn, []byte("outbound bytes"))
		if err != nil {
			t.Fatalf("Failed to create fyle: %+v", err)
		}
		upJoin, err := f.coord.Attach(txn, up, msgID, 0, "up.bin",
			"application/octet-stream", catalog.AttachmentUploading)
		if err != nil {
			t.Fatalf("Failed to attach upload: %+v", err)
		}
		if err = storage.SetJoinEngineNumber(txn, up.ID, msgID, 0,
			catalog.AttachmentUploading); err != nil {
			t.Fatalf("Failed to set engine number: %+v", err)
		}
		n := int64(0)
		upJoin.EngineNumber = &n
		upJoin.Status = catalog.AttachmentUploading

		down, err := f.coord.GetOrCreate(txn, []byte("inbound bytes"))
		if err != nil {
			t.Fatalf("Failed to create fyle: %+v", err)
		}
		downJoin, err := f.coord.Attach(txn, down, msgID, 1, "down.bin",
			"application/octet-stream", catalog.AttachmentDownloading)
		if err != nil {
			t.Fatalf("Failed to attach download: %+v", err)
		}
		m := int64(1)
		downJoin.EngineNumber = &m

		owner := identity.Identity("owner")
		if err = f.coord.DeleteJoin(txn, owner, upJoin, engineID); err != nil {
			t.Fatalf("Failed to delete upload join: %+v", err)
		}
		if err = f.coord.DeleteJoin(txn, owner, downJoin, engineID); err != nil {
			t.Fatalf("Failed to delete download join: %+v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %+v", err)
	}

	if len(f.eng.cancelledUploads) != 1 || f.eng.cancelledUploads[0] != 0 {
		t.Errorf("Unexpected upload cancellations: %v", f.eng.cancelledUploads)
	}
	if len(f.eng.markedForDeletion) != 1 || f.eng.markedForDeletion[0] != 1 {
		t.Errorf("Unexpected deletion marks: %v", f.eng.markedForDeletion)
	}
}

// Tests that concurrent digestLock lookups for the same digest hand back the
// same mutex.
func TestCoordinator_DigestLock_Shared(t *testing.T) {
	f := newFixture(t)
	digest := bytes.Repeat([]byte{0x42}, 32)

	const workers = 16
	results := make([]*sync.Mutex, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = f.coord.digestLock(digest)
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if results[i] != results[0] {
			t.Errorf("Worker %d received a different mutex.", i)
		}
	}
}
