////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package delivery

import (
	"gitlab.com/obscura-app/delivery/engine"
	"gitlab.com/obscura-app/delivery/identity"
)

// mockEngine records calls; Post is never exercised by this package.
type mockEngine struct {
	receipts   []engine.ReceiptStatus
	receiptErr error
}

func (m *mockEngine) Post(engine.PostInput) (engine.PostOutput, error) {
	return engine.PostOutput{}, nil
}
func (m *mockEngine) CancelMessageSending(identity.Identity, []byte) error {
	return nil
}
func (m *mockEngine) MarkAttachmentForDeletion(identity.Identity, []byte,
	int) error {
	return nil
}
func (m *mockEngine) CancelAttachmentUpload(identity.Identity, []byte,
	int) error {
	return nil
}
func (m *mockEngine) SendReturnReceipt(_, _ identity.Identity,
	status engine.ReceiptStatus, _, _ []byte, _ int) error {
	if m.receiptErr != nil {
		return m.receiptErr
	}
	m.receipts = append(m.receipts, status)
	return nil
}

// mockStarter records expiration starts.
type mockStarter struct {
	started []int64
}

func (m *mockStarter) StartExpiration(messageID int64, _, _ int64, _ bool) {
	m.started = append(m.started, messageID)
}
