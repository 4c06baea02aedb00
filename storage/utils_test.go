////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package storage

import (
	"testing"

	"gitlab.com/obscura-app/delivery/catalog"
	"gitlab.com/obscura-app/delivery/identity"
)

// newTestStore returns an in-memory store that is torn down with the test.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory store: %+v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// insertTestDiscussion creates a minimal normal one-to-one discussion.
func insertTestDiscussion(t *testing.T, txn *Txn,
	owner, contact identity.Identity) *Discussion {
	t.Helper()
	d := &Discussion{
		Owner:                  owner,
		Kind:                   catalog.KindOneToOne,
		Identifier:             contact,
		Status:                 catalog.DiscussionNormal,
		SenderThreadIdentifier: []byte("thread-A"),
	}
	if err := InsertDiscussion(txn, d); err != nil {
		t.Fatalf("Failed to insert discussion: %+v", err)
	}
	return d
}
