////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package catalog

import "fmt"

// MessageStatus is the coarse per-message lifecycle status. For outbound
// messages it is an aggregate over all recipient infos, recomputed by the
// delivery state machine; Undelivered is terminal and never recomputed away.
type MessageStatus uint32

const (
	// StatusDraft - The message exists locally but sending was never initiated.
	StatusDraft MessageStatus = 0

	// StatusUnprocessed - Sending was initiated but the message has not been
	// handed to the engine yet.
	StatusUnprocessed MessageStatus = 1

	// StatusProcessing - At least one recipient is still waiting on engine
	// hand-off or attachment upload.
	StatusProcessing MessageStatus = 2

	// StatusSent - The engine accepted the message for every recipient, but no
	// delivery receipt has arrived.
	StatusSent MessageStatus = 3

	// StatusDelivered - Delivered to at least one recipient, none read.
	StatusDelivered MessageStatus = 4

	// StatusDeliveredAndRead - Delivered to at least one recipient, read by at
	// least one.
	StatusDeliveredAndRead MessageStatus = 5

	// StatusDeliveredAll - Delivered to all (two or more) recipients, none
	// read.
	StatusDeliveredAll MessageStatus = 6

	// StatusDeliveredAllReadOne - Delivered to all recipients, read by at
	// least one.
	StatusDeliveredAllReadOne MessageStatus = 7

	// StatusDeliveredAllReadAll - Delivered to and read by all recipients.
	StatusDeliveredAllReadAll MessageStatus = 8

	// StatusUndelivered - Terminal failure; a repost is required to ever send
	// this message again.
	StatusUndelivered MessageStatus = 9
)

// HasLeftDevice reports whether the status implies the message was accepted by
// the engine for every recipient, which is the point at which an ephemeral
// message's expiration may start counting.
func (s MessageStatus) HasLeftDevice() bool {
	return s >= StatusSent && s <= StatusDeliveredAllReadAll
}

func (s MessageStatus) String() string {
	switch s {
	case StatusDraft:
		return "Draft"
	case StatusUnprocessed:
		return "Unprocessed"
	case StatusProcessing:
		return "Processing"
	case StatusSent:
		return "Sent"
	case StatusDelivered:
		return "Delivered"
	case StatusDeliveredAndRead:
		return "DeliveredAndRead"
	case StatusDeliveredAll:
		return "DeliveredAll"
	case StatusDeliveredAllReadOne:
		return "DeliveredAllReadOne"
	case StatusDeliveredAllReadAll:
		return "DeliveredAllReadAll"
	case StatusUndelivered:
		return "Undelivered"
	default:
		return fmt.Sprintf("UnknownMessageStatus(%d)", uint32(s))
	}
}

// WipeStatus tracks local or remote destruction of a message body.
type WipeStatus uint32

const (
	WipeNone WipeStatus = iota
	WipeOnRead
	Wiped
	RemoteDeleted
)

func (w WipeStatus) String() string {
	switch w {
	case WipeNone:
		return "None"
	case WipeOnRead:
		return "WipeOnRead"
	case Wiped:
		return "Wiped"
	case RemoteDeleted:
		return "RemoteDeleted"
	default:
		return fmt.Sprintf("UnknownWipeStatus(%d)", uint32(w))
	}
}

// DiscussionStatus is the discussion lifecycle state. Locked is terminal;
// a locked discussion is kept only for its history.
type DiscussionStatus uint32

const (
	DiscussionNormal DiscussionStatus = iota
	DiscussionLocked
	DiscussionPreDiscussion
	DiscussionReadOnly
)

func (s DiscussionStatus) String() string {
	switch s {
	case DiscussionNormal:
		return "Normal"
	case DiscussionLocked:
		return "Locked"
	case DiscussionPreDiscussion:
		return "PreDiscussion"
	case DiscussionReadOnly:
		return "ReadOnly"
	default:
		return fmt.Sprintf("UnknownDiscussionStatus(%d)", uint32(s))
	}
}

// DiscussionKind discriminates the three membership topologies a discussion
// can have. Every operation that varies by topology switches on it exactly
// once; a new kind must be added to each of those switches.
type DiscussionKind uint32

const (
	// KindOneToOne - A discussion with a single counterpart contact. The
	// discussion identifier is the contact's identity.
	KindOneToOne DiscussionKind = iota

	// KindLegacyGroup - A group identified by an opaque group UID; membership
	// is an implicit owner/member list.
	KindLegacyGroup

	// KindGroupV2 - A permissioned group with explicit per-member capabilities
	// and a pending-invitee list.
	KindGroupV2
)

func (k DiscussionKind) String() string {
	switch k {
	case KindOneToOne:
		return "OneToOne"
	case KindLegacyGroup:
		return "LegacyGroup"
	case KindGroupV2:
		return "GroupV2"
	default:
		return fmt.Sprintf("UnknownDiscussionKind(%d)", uint32(k))
	}
}

// AttachmentStatus is the per-(fyle, message) attachment state.
type AttachmentStatus uint32

const (
	// AttachmentDownloadable - An inbound attachment the user has not asked
	// to download yet.
	AttachmentDownloadable AttachmentStatus = iota

	// AttachmentDownloading - An inbound attachment currently downloading.
	AttachmentDownloading

	// AttachmentDraft - An outbound attachment whose message was not posted.
	AttachmentDraft

	// AttachmentUploading - An outbound attachment handed to the engine.
	AttachmentUploading

	// AttachmentComplete - Fully available locally and, for outbound, fully
	// handed off.
	AttachmentComplete

	// AttachmentCopying - The attachment's backing blob is still being copied
	// into the content-addressed store; posting is blocked until this clears.
	AttachmentCopying

	// AttachmentFailed - Terminal failure.
	AttachmentFailed
)

func (s AttachmentStatus) String() string {
	switch s {
	case AttachmentDownloadable:
		return "Downloadable"
	case AttachmentDownloading:
		return "Downloading"
	case AttachmentDraft:
		return "Draft"
	case AttachmentUploading:
		return "Uploading"
	case AttachmentComplete:
		return "Complete"
	case AttachmentCopying:
		return "Copying"
	case AttachmentFailed:
		return "Failed"
	default:
		return fmt.Sprintf("UnknownAttachmentStatus(%d)", uint32(s))
	}
}

// ReceptionStatus is the per-attachment aggregate over all recipients,
// advanced as the attachment's number disappears from each recipient's
// pending-number sets.
type ReceptionStatus uint32

const (
	ReceptionNone ReceptionStatus = iota
	ReceptionDelivered
	ReceptionDeliveredAndRead
	ReceptionDeliveredAll
	ReceptionDeliveredAllReadOne
	ReceptionDeliveredAllReadAll
)

func (s ReceptionStatus) String() string {
	switch s {
	case ReceptionNone:
		return "None"
	case ReceptionDelivered:
		return "Delivered"
	case ReceptionDeliveredAndRead:
		return "DeliveredAndRead"
	case ReceptionDeliveredAll:
		return "DeliveredAll"
	case ReceptionDeliveredAllReadOne:
		return "DeliveredAllReadOne"
	case ReceptionDeliveredAllReadAll:
		return "DeliveredAllReadAll"
	default:
		return fmt.Sprintf("UnknownReceptionStatus(%d)", uint32(s))
	}
}
