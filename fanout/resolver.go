////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package fanout computes the destination identities for a send, retry, or
// settings-propagation operation from a discussion's membership topology.
package fanout

import (
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/obscura-app/delivery/catalog"
	"gitlab.com/obscura-app/delivery/identity"
	"gitlab.com/obscura-app/delivery/storage"
)

// Error message.
const unknownKindErr = "cannot resolve recipients for unknown discussion kind %s"

// Directory is the membership collaborator. It answers questions about
// contacts, group topologies, and the owner's own other devices; it is
// injected so the resolver is testable without the surrounding application.
type Directory interface {
	// ContactActive reports whether the contact relationship currently
	// exists and is usable.
	ContactActive(owner, contact identity.Identity) bool

	// ContactReachable reports whether an established secure channel or a
	// pre-key exists for the contact, i.e. whether a send can happen now.
	ContactReachable(owner, contact identity.Identity) bool

	// GroupMembers returns the active members of a legacy group, the owner
	// excluded.
	GroupMembers(owner identity.Identity, groupUID []byte) []identity.Identity

	// GroupV2Members returns the active members and the still-pending
	// invitees of a permissioned group, the owner excluded.
	GroupV2Members(owner identity.Identity,
		groupIdentifier []byte) (members, pending []identity.Identity)

	// GroupV2HasMember reports whether the identity is currently an active
	// member of the permissioned group.
	GroupV2HasMember(owner identity.Identity, groupIdentifier []byte,
		member identity.Identity) bool

	// OwnerHasOtherReachableDevice reports whether any other registered
	// device of the owned identity has an established channel.
	OwnerHasOtherReachableDevice(owner identity.Identity) bool
}

// Resolution is the outcome of recipient resolution for one operation.
type Resolution struct {
	// All is every identity owed the message. Each gets a recipient-info
	// row, so later retries know who is still waiting, even when nothing is
	// transmitted to them now.
	All []identity.Identity

	// SendableNow is the subset of All a channel or pre-key exists for;
	// only these go into the immediate engine post.
	SendableNow []identity.Identity
}

// Resolver computes recipient sets from the discussion topology.
type Resolver struct {
	dir Directory
}

// NewResolver creates a Resolver over the given membership directory.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve computes the destination set for the discussion. An empty All set
// is valid (a group with no other reachable member); the caller treats it as
// vacuous success, not failure.
//
// This is the one place that switches on the discussion kind for fan-out; a
// new kind must be handled here.
func (r *Resolver) Resolve(d *storage.Discussion) (Resolution, error) {
	res := Resolution{}

	switch d.Kind {
	case catalog.KindOneToOne:
		contact := identity.Identity(d.Identifier)
		if r.dir.ContactActive(d.Owner, contact) {
			res.add(contact, r.dir.ContactReachable(d.Owner, contact))
		}

	case catalog.KindLegacyGroup:
		for _, member := range r.dir.GroupMembers(d.Owner, d.Identifier) {
			res.add(member, r.dir.ContactReachable(d.Owner, member))
		}

	case catalog.KindGroupV2:
		members, pending := r.dir.GroupV2Members(d.Owner, d.Identifier)
		for _, member := range members {
			res.add(member, r.dir.ContactReachable(d.Owner, member))
		}
		// Pending invitees are owed a placeholder recipient-info row even
		// though nothing is transmitted to them yet.
		for _, invitee := range pending {
			res.add(invitee, false)
		}

	default:
		return Resolution{}, errors.Errorf(unknownKindErr, d.Kind)
	}

	// Multi-device fan-out is uniform with cross-contact fan-out: the
	// owner's own identity joins the set when another device can receive.
	if r.dir.OwnerHasOtherReachableDevice(d.Owner) {
		res.add(d.Owner, true)
	}

	jww.DEBUG.Printf("[fanout] Resolved %d recipients (%d sendable) for "+
		"discussion %d (%s).", len(res.All), len(res.SendableNow), d.ID, d.Kind)

	return res, nil
}

func (res *Resolution) add(id identity.Identity, sendable bool) {
	if identity.Contains(res.All, id) {
		return
	}
	res.All = append(res.All, id)
	if sendable {
		res.SendableNow = append(res.SendableNow, id)
	}
}
