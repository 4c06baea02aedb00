////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package fanout

import (
	"testing"

	"gitlab.com/obscura-app/delivery/catalog"
	"gitlab.com/obscura-app/delivery/identity"
	"gitlab.com/obscura-app/delivery/storage"
)

// mockDirectory is a canned-answer Directory.
type mockDirectory struct {
	active    map[string]bool
	reachable map[string]bool
	members   []identity.Identity
	pending   []identity.Identity
	ownDevice bool
}

func (m *mockDirectory) ContactActive(_, c identity.Identity) bool {
	return m.active[c.Key()]
}
func (m *mockDirectory) ContactReachable(_, c identity.Identity) bool {
	return m.reachable[c.Key()]
}
func (m *mockDirectory) GroupMembers(_ identity.Identity,
	_ []byte) []identity.Identity {
	return m.members
}
func (m *mockDirectory) GroupV2Members(_ identity.Identity,
	_ []byte) ([]identity.Identity, []identity.Identity) {
	return m.members, m.pending
}
func (m *mockDirectory) GroupV2HasMember(_ identity.Identity, _ []byte,
	member identity.Identity) bool {
	return identity.Contains(m.members, member)
}
func (m *mockDirectory) OwnerHasOtherReachableDevice(identity.Identity) bool {
	return m.ownDevice
}

func keys(ids []identity.Identity) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id.Key()] = true
	}
	return out
}

// Tests the recipient-set completeness property: a permissioned group with
// two active members and one pending invitee, plus another owned device,
// resolves to all four, with the pending invitee excluded from the sendable
// set.
func TestResolve_GroupV2Completeness(t *testing.T) {
	owner := identity.Identity("owner")
	a := identity.Identity("A")
	b := identity.Identity("B")
	c := identity.Identity("C")

	dir := &mockDirectory{
		reachable: map[string]bool{a.Key(): true, b.Key(): true},
		members:   []identity.Identity{a, b},
		pending:   []identity.Identity{c},
		ownDevice: true,
	}

	d := &storage.Discussion{
		Owner:      owner,
		Kind:       catalog.KindGroupV2,
		Identifier: []byte("group-v2"),
	}

	res, err := NewResolver(dir).Resolve(d)
	if err != nil {
		t.Fatalf("Resolve failed: %+v", err)
	}

	all := keys(res.All)
	if len(all) != 4 || !all[a.Key()] || !all[b.Key()] || !all[c.Key()] ||
		!all[owner.Key()] {
		t.Errorf("Unexpected full recipient set: %v", res.All)
	}

	sendable := keys(res.SendableNow)
	if len(sendable) != 3 || !sendable[a.Key()] || !sendable[b.Key()] ||
		!sendable[owner.Key()] || sendable[c.Key()] {
		t.Errorf("Unexpected sendable set: %v", res.SendableNow)
	}
}

// Tests that a one-to-one discussion resolves to the contact only while the
// relationship is active, and that an unreachable contact still gets a
// recipient-info slot.
func TestResolve_OneToOne(t *testing.T) {
	owner := identity.Identity("owner")
	contact := identity.Identity("contact")

	d := &storage.Discussion{
		Owner:      owner,
		Kind:       catalog.KindOneToOne,
		Identifier: contact,
	}

	dir := &mockDirectory{
		active:    map[string]bool{contact.Key(): true},
		reachable: map[string]bool{},
	}
	res, err := NewResolver(dir).Resolve(d)
	if err != nil {
		t.Fatalf("Resolve failed: %+v", err)
	}
	if len(res.All) != 1 || !res.All[0].Equal(contact) {
		t.Errorf("Unexpected recipient set: %v", res.All)
	}
	if len(res.SendableNow) != 0 {
		t.Errorf("Unreachable contact must not be sendable: %v",
			res.SendableNow)
	}

	dir.active = map[string]bool{}
	res, err = NewResolver(dir).Resolve(d)
	if err != nil {
		t.Fatalf("Resolve failed: %+v", err)
	}
	if len(res.All) != 0 {
		t.Errorf("Inactive contact must resolve to an empty set, got %v.",
			res.All)
	}
}

// Tests that a legacy group fans out to every active member and that an
// empty group resolves to the empty set.
func TestResolve_LegacyGroup(t *testing.T) {
	owner := identity.Identity("owner")
	a := identity.Identity("A")
	b := identity.Identity("B")

	d := &storage.Discussion{
		Owner:      owner,
		Kind:       catalog.KindLegacyGroup,
		Identifier: []byte("group-uid"),
	}

	dir := &mockDirectory{
		members:   []identity.Identity{a, b},
		reachable: map[string]bool{a.Key(): true},
	}
	res, err := NewResolver(dir).Resolve(d)
	if err != nil {
		t.Fatalf("Resolve failed: %+v", err)
	}
	if len(res.All) != 2 || len(res.SendableNow) != 1 {
		t.Errorf("Unexpected resolution: all=%v sendable=%v",
			res.All, res.SendableNow)
	}

	empty := &mockDirectory{}
	res, err = NewResolver(empty).Resolve(d)
	if err != nil {
		t.Fatalf("Resolve failed: %+v", err)
	}
	if len(res.All) != 0 {
		t.Errorf("Empty group must resolve to the empty set, got %v.",
			res.All)
	}
}
