////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package wire defines the JSON message envelope this core produces and the
// remote peer's identical core consumes. The encoding is the interchange
// format between independently implemented clients and must stay
// bit-compatible; field tags are frozen.
package wire

import (
	"encoding/json"

	"github.com/pkg/errors"

	"gitlab.com/obscura-app/delivery/identity"
)

// Error messages.
const (
	noDiscriminatorErr       = "envelope carries no discussion discriminator"
	multipleDiscriminatorErr = "envelope carries %d discussion discriminators"
	unmarshalEnvelopeErr     = "failed to decode message envelope: %+v"
)

// ReplyReference points at the message being replied to by the triple that
// identifies it on every device.
type ReplyReference struct {
	SenderIdentifier       identity.Identity `json:"senderIdentifier"`
	SenderThreadIdentifier []byte            `json:"senderThreadIdentifier"`
	SenderSequenceNumber   uint64            `json:"senderSequenceNumber"`
}

// ExpirationSettings is the ephemeral configuration carried by a message.
// Durations are in seconds.
type ExpirationSettings struct {
	VisibilityDuration int64 `json:"visibilityDuration,omitempty"`
	ExistenceDuration  int64 `json:"existenceDuration,omitempty"`
	ReadOnce           bool  `json:"readOnce,omitempty"`
}

// Location is an optional position payload, either a one-shot share or part
// of continuous sharing.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude,omitempty"`
	Sharing   bool    `json:"sharing,omitempty"`
}

// Envelope is the tagged union placed in the engine's primary payload.
// Exactly one of OneToOneIdentifier, GroupUID, and GroupV2Identifier is set;
// it discriminates which discussion the message belongs to on the receiving
// side.
type Envelope struct {
	SenderSequenceNumber   uint64 `json:"senderSequenceNumber"`
	SenderThreadIdentifier []byte `json:"senderThreadIdentifier"`

	Body  string          `json:"body,omitempty"`
	Reply *ReplyReference `json:"reply,omitempty"`

	Expiration *ExpirationSettings `json:"expiration,omitempty"`
	Location   *Location           `json:"location,omitempty"`

	ReturnReceiptNonce []byte `json:"returnReceiptNonce,omitempty"`
	ReturnReceiptKey   []byte `json:"returnReceiptKey,omitempty"`

	OneToOneIdentifier []byte `json:"oneToOneIdentifier,omitempty"`
	GroupUID           []byte `json:"groupUid,omitempty"`
	GroupV2Identifier  []byte `json:"groupV2Identifier,omitempty"`
}

// Validate enforces the one-of rule on the discussion discriminator.
func (e *Envelope) Validate() error {
	n := 0
	if len(e.OneToOneIdentifier) != 0 {
		n++
	}
	if len(e.GroupUID) != 0 {
		n++
	}
	if len(e.GroupV2Identifier) != 0 {
		n++
	}
	switch n {
	case 1:
		return nil
	case 0:
		return errors.New(noDiscriminatorErr)
	default:
		return errors.Errorf(multipleDiscriminatorErr, n)
	}
}

// Marshal encodes the envelope after validating it.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Unmarshal decodes and validates an envelope received from a peer.
func Unmarshal(data []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, errors.Errorf(unmarshalEnvelopeErr, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}
