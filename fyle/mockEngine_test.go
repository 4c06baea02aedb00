////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package fyle

import (
	"gitlab.com/obscura-app/delivery/engine"
	"gitlab.com/obscura-app/delivery/identity"
)

// mockEngine records attachment cancellations.
type mockEngine struct {
	markedForDeletion []int
	cancelledUploads  []int
}

func (m *mockEngine) Post(engine.PostInput) (engine.PostOutput, error) {
	return engine.PostOutput{}, nil
}

func (m *mockEngine) CancelMessageSending(
	identity.Identity, []byte) error {
	return nil
}

func (m *mockEngine) MarkAttachmentForDeletion(
	_ identity.Identity, _ []byte, attachmentNumber int) error {
	m.markedForDeletion = append(m.markedForDeletion, attachmentNumber)
	return nil
}

func (m *mockEngine) CancelAttachmentUpload(
	_ identity.Identity, _ []byte, attachmentNumber int) error {
	m.cancelledUploads = append(m.cancelledUploads, attachmentNumber)
	return nil
}

func (m *mockEngine) SendReturnReceipt(_, _ identity.Identity,
	_ engine.ReceiptStatus, _, _ []byte, _ int) error {
	return nil
}
