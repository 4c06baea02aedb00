////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package catalog

import "fmt"

// MessageType distinguishes real exchanged messages from the system-generated
// entries a discussion accumulates over its lifetime.
type MessageType uint32

const (
	// Inbound - A message received from another identity.
	Inbound MessageType = 0

	// Outbound - A message authored on this device (or another device of the
	// owned identity).
	Outbound MessageType = 1

	/* System entries. These carry no payload on the wire; they are inserted
	   locally to record lifecycle events. Their sender identifier is empty. */

	// SystemContactRemoved - The discussion was locked because the counterpart
	// contact was deleted.
	SystemContactRemoved MessageType = 10

	// SystemGroupLeft - The discussion was locked because the owned identity
	// left (or was removed from) the group.
	SystemGroupLeft MessageType = 11

	// SystemContactReAdded - A previously locked one-to-one discussion was
	// resumed because the contact relationship was re-established.
	SystemContactReAdded MessageType = 12

	// SystemGroupRejoined - A previously locked group discussion was resumed
	// because the owned identity rejoined the group.
	SystemGroupRejoined MessageType = 13

	// SystemEphemeralSettingsChanged - The discussion's shared ephemeral
	// message settings were updated.
	SystemEphemeralSettingsChanged MessageType = 14
)

// IsSystem reports whether the type is one of the locally generated system
// entries rather than a real exchanged message.
func (mt MessageType) IsSystem() bool {
	return mt >= SystemContactRemoved
}

func (mt MessageType) String() string {
	switch mt {
	case Inbound:
		return "Inbound"
	case Outbound:
		return "Outbound"
	case SystemContactRemoved:
		return "SystemContactRemoved"
	case SystemGroupLeft:
		return "SystemGroupLeft"
	case SystemContactReAdded:
		return "SystemContactReAdded"
	case SystemGroupRejoined:
		return "SystemGroupRejoined"
	case SystemEphemeralSettingsChanged:
		return "SystemEphemeralSettingsChanged"
	default:
		return fmt.Sprintf("UnknownMessageType(%d)", uint32(mt))
	}
}
