////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package discussion

import (
	"gitlab.com/obscura-app/delivery/engine"
	"gitlab.com/obscura-app/delivery/identity"
)

// mockEngine records send cancellations.
type mockEngine struct {
	cancelledSends [][]byte
}

func (m *mockEngine) Post(engine.PostInput) (engine.PostOutput, error) {
	return engine.PostOutput{}, nil
}

func (m *mockEngine) CancelMessageSending(
	_ identity.Identity, engineMessageID []byte) error {
	m.cancelledSends = append(m.cancelledSends, engineMessageID)
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
