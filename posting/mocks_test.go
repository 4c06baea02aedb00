////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package posting

import (
	"sync"

	"gitlab.com/obscura-app/delivery/engine"
	"gitlab.com/obscura-app/delivery/identity"
)

// mockEngine accepts every recipient not listed in refuse and assigns it a
// deterministic identifier.
type mockEngine struct {
	mux    sync.Mutex
	posts  []engine.PostInput
	refuse map[string]bool
}

func (m *mockEngine) Post(input engine.PostInput) (engine.PostOutput, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.posts = append(m.posts, input)

	out := engine.PostOutput{MessageIdentifiers: make(map[string][]byte)}
	for _, r := range input.Recipients {
		if m.refuse[r.Key()] {
			continue
		}
		out.MessageIdentifiers[r.Key()] = append([]byte("id-"), r...)
	}
	return out, nil
}

func (m *mockEngine) postCount() int {
	m.mux.Lock()
	defer m.mux.Unlock()
	return len(m.posts)
}

func (m *mockEngine) CancelMessageSending(identity.Identity, []byte) error {
	return nil
}

func (m *mockEngine) MarkAttachmentForDeletion(
	identity.Identity, []byte, int) error {
	return nil
}

func (m *mockEngine) CancelAttachmentUpload(
	identity.Identity, []byte, int) error {
	return nil
}

func (m *mockEngine) SendReturnReceipt(_, _ identity.Identity,
	_ engine.ReceiptStatus, _, _ []byte, _ int) error {
	return nil
}

// mockDirectory is a static membership directory.
type mockDirectory struct {
	active      map[string]bool
	reachable   map[string]bool
	members     []identity.Identity
	pending     []identity.Identity
	otherDevice bool
}

func (m *mockDirectory) ContactActive(_, contact identity.Identity) bool {
	return m.active[contact.Key()]
}

func (m *mockDirectory) ContactReachable(_, contact identity.Identity) bool {
	return m.reachable[contact.Key()]
}

func (m *mockDirectory) GroupMembers(
	identity.Identity, []byte) []identity.Identity {
	return m.members
}

func (m *mockDirectory) GroupV2Members(identity.Identity, []byte) (
	members, pending []identity.Identity) {
	return m.members, m.pending
}

func (m *mockDirectory) GroupV2HasMember(_ identity.Identity, _ []byte,
	member identity.Identity) bool {
	return identity.Contains(m.members, member)
}

func (m *mockDirectory) OwnerHasOtherReachableDevice(identity.Identity) bool {
	return m.otherDevice
}

// mockStarter records expiration starts.
type mockStarter struct {
	started []int64
}

func (m *mockStarter) StartExpiration(messageID int64, _, _ int64, _ bool) {
	m.started = append(m.started, messageID)
}
