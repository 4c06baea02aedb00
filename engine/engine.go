////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package engine declares the surface of the cryptographic transport
// collaborator. The engine performs key exchange, encryption, and network
// I/O; this core only hands payloads over and reacts to its callbacks.
// Posting is a hand-off to a local outbox, not a server round trip.
package engine

import (
	"gitlab.com/obscura-app/delivery/identity"
)

// ReceiptStatus is the acknowledgement level carried by a return receipt.
type ReceiptStatus int

const (
	ReceiptDelivered ReceiptStatus = 1
	ReceiptRead      ReceiptStatus = 2
)

// Attachment describes one attachment handed to the engine for upload.
type Attachment struct {
	// Path of the local blob in the content-addressed store.
	Path string

	// Digest is the SHA-256 content digest.
	Digest []byte

	Size     int64
	MimeType string
}

// PostInput carries everything the engine needs to place one message in its
// outbox.
type PostInput struct {
	// Payload is the encoded wire envelope.
	Payload []byte

	// ExtendedPayload is the optional precomputed preview.
	ExtendedPayload []byte

	Attachments []Attachment

	// Recipients the engine should actually transmit to now.
	Recipients []identity.Identity

	OwnerIdentity identity.Identity

	// IsUserMessage selects push-notification behavior on the remote end.
	IsUserMessage bool
	IsVoip        bool
}

// PostOutput reports the outcome of a post per recipient. A post can succeed
// for some recipients and fail for others; it is not all-or-nothing.
type PostOutput struct {
	// MessageIdentifiers maps identity.Key() of each successfully posted
	// recipient to the opaque engine message identifier.
	MessageIdentifiers map[string][]byte
}

// IdentifierFor returns the engine message identifier assigned for the
// recipient, or nil when posting failed for them.
func (po PostOutput) IdentifierFor(recipient identity.Identity) []byte {
	return po.MessageIdentifiers[recipient.Key()]
}

// PostedForAtLeastOne reports whether the engine accepted the message for at
// least one recipient.
func (po PostOutput) PostedForAtLeastOne() bool {
	return len(po.MessageIdentifiers) > 0
}

// Engine is the opaque transport-and-crypto collaborator.
type Engine interface {
	// Post places a message (and its attachments) in the engine outbox for
	// the given recipients. It blocks on local cryptographic and storage
	// work only.
	Post(input PostInput) (PostOutput, error)

	// CancelMessageSending abandons an in-flight send.
	CancelMessageSending(owner identity.Identity, engineMessageID []byte) error

	// MarkAttachmentForDeletion tells the engine an inbound attachment will
	// never be downloaded.
	MarkAttachmentForDeletion(owner identity.Identity, engineMessageID []byte,
		attachmentNumber int) error

	// CancelAttachmentUpload abandons an outbound attachment upload.
	CancelAttachmentUpload(owner identity.Identity, engineMessageID []byte,
		attachmentNumber int) error

	// SendReturnReceipt acknowledges an inbound message (or one of its
	// attachments, when attachmentNumber is non-negative) to its sender.
	SendReturnReceipt(owner, sender identity.Identity, status ReceiptStatus,
		nonce, key []byte, attachmentNumber int) error
}
