////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package storage

import (
	"database/sql"

	"github.com/pkg/errors"

	"gitlab.com/obscura-app/delivery/catalog"
)

// Error messages.
const (
	insertFyleErr = "failed to insert fyle: %+v"
	getFyleErr    = "failed to load fyle: %+v"
	deleteFyleErr = "failed to delete fyle %d: %+v"
	insertJoinErr = "failed to insert attachment join: %+v"
	getJoinErr    = "failed to load attachment join: %+v"
	queryJoinErr  = "failed to query attachment joins: %+v"
	updateJoinErr = "failed to update attachment join (fyle %d, message %d): %+v"
	deleteJoinErr = "failed to delete attachment join (fyle %d, message %d): %+v"
)

// Fyle is a content-addressed attachment blob record, keyed by the SHA-256
// digest of its content. The blob itself lives in the blob store under the
// hex digest; the row is reference-counted by its joins.
type Fyle struct {
	ID     int64  `db:"id"`
	Digest []byte `db:"digest"`
	Size   int64  `db:"size"`
}

// FyleMessageJoin attaches one Fyle to one Message, with its own lifecycle
// status. Position is the attachment number within the message and is what
// the recipient pending-number sets refer to; EngineNumber is the index the
// engine assigned at post time.
type FyleMessageJoin struct {
	FyleID    int64 `db:"fyle_id"`
	MessageID int64 `db:"message_id"`
	Position  int   `db:"position"`

	EngineNumber *int64 `db:"engine_number"`

	FileName string `db:"file_name"`
	MimeType string `db:"mime_type"`
	Size     int64  `db:"size"`

	Status          catalog.AttachmentStatus `db:"status"`
	ReceptionStatus catalog.ReceptionStatus  `db:"reception_status"`
}

// InsertFyle stores f and fills in its assigned ID.
func InsertFyle(txn *Txn, f *Fyle) error {
	res, err := txn.tx.NamedExec(`
		INSERT INTO fyles (digest, size) VALUES (:digest, :size)`, f)
	if err != nil {
		return errors.Errorf(insertFyleErr, err)
	}
	f.ID, err = res.LastInsertId()
	if err != nil {
		return errors.Errorf(insertFyleErr, err)
	}
	return nil
}

// FyleByDigest returns the fyle with the given content digest, or nil.
func FyleByDigest(txn *Txn, digest []byte) (*Fyle, error) {
	f := &Fyle{}
	err := txn.tx.Get(f, `SELECT * FROM fyles WHERE digest = ?`, digest)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Errorf(getFyleErr, err)
	}
	return f, nil
}

// GetFyle loads a fyle by ID. Returns (nil, nil) when the row does not exist.
func GetFyle(txn *Txn, id int64) (*Fyle, error) {
	f := &Fyle{}
	err := txn.tx.Get(f, `SELECT * FROM fyles WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Errorf(getFyleErr, err)
	}
	return f, nil
}

// DeleteFyle physically removes the fyle row. The caller is responsible for
// checking the reference count and deleting the backing blob.
func DeleteFyle(txn *Txn, id int64) error {
	if _, err := txn.tx.Exec(`DELETE FROM fyles WHERE id = ?`, id); err != nil {
		return errors.Errorf(deleteFyleErr, id, err)
	}
	return nil
}

// CountJoinsForFyle returns how many messages still reference the fyle.
func CountJoinsForFyle(txn *Txn, fyleID int64) (int64, error) {
	var n int64
	err := txn.tx.Get(&n,
		`SELECT COUNT(*) FROM fyle_message_joins WHERE fyle_id = ?`, fyleID)
	if err != nil {
		return 0, errors.Errorf(queryJoinErr, err)
	}
	return n, nil
}

// InsertJoin stores j.
func InsertJoin(txn *Txn, j *FyleMessageJoin) error {
	_, err := txn.tx.NamedExec(`
		INSERT INTO fyle_message_joins (fyle_id, message_id, position,
			engine_number, file_name, mime_type, size, status,
			reception_status)
		VALUES (:fyle_id, :message_id, :position, :engine_number, :file_name,
			:mime_type, :size, :status, :reception_status)`, j)
	if err != nil {
		return errors.Errorf(insertJoinErr, err)
	}
	return nil
}

// GetJoin returns the join for the (fyle, message) pair, or nil.
func GetJoin(txn *Txn, fyleID, messageID int64) (*FyleMessageJoin, error) {
	j := &FyleMessageJoin{}
	err := txn.tx.Get(j, `
		SELECT * FROM fyle_message_joins
		WHERE fyle_id = ? AND message_id = ?`, fyleID, messageID)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Errorf(getJoinErr, err)
	}
	return j, nil
}

// JoinsForMessage returns the message's attachments in position order.
func JoinsForMessage(txn *Txn, messageID int64) ([]FyleMessageJoin, error) {
	var joins []FyleMessageJoin
	err := txn.tx.Select(&joins, `
		SELECT * FROM fyle_message_joins WHERE message_id = ?
		ORDER BY position ASC`, messageID)
	if err != nil {
		return nil, errors.Errorf(queryJoinErr, err)
	}
	return joins, nil
}

// SetJoinStatus updates the attachment lifecycle status.
func SetJoinStatus(txn *Txn, fyleID, messageID int64,
	status catalog.AttachmentStatus) error {
	if _, err := txn.tx.Exec(`
		UPDATE fyle_message_joins SET status = ?
		WHERE fyle_id = ? AND message_id = ?`,
		status, fyleID, messageID); err != nil {
		return errors.Errorf(updateJoinErr, fyleID, messageID, err)
	}
	return nil
}

// SetJoinEngineNumber records the engine-assigned attachment index and moves
// the join to the given status in one write.
func SetJoinEngineNumber(txn *Txn, fyleID, messageID, engineNumber int64,
	status catalog.AttachmentStatus) error {
	if _, err := txn.tx.Exec(`
		UPDATE fyle_message_joins SET engine_number = ?, status = ?
		WHERE fyle_id = ? AND message_id = ?`,
		engineNumber, status, fyleID, messageID); err != nil {
		return errors.Errorf(updateJoinErr, fyleID, messageID, err)
	}
	return nil
}

// SetJoinReceptionStatus updates the per-attachment delivery aggregate.
func SetJoinReceptionStatus(txn *Txn, fyleID, messageID int64,
	status catalog.ReceptionStatus) error {
	if _, err := txn.tx.Exec(`
		UPDATE fyle_message_joins SET reception_status = ?
		WHERE fyle_id = ? AND message_id = ?`,
		status, fyleID, messageID); err != nil {
		return errors.Errorf(updateJoinErr, fyleID, messageID, err)
	}
	return nil
}

// DeleteJoin removes the join row.
func DeleteJoin(txn *Txn, fyleID, messageID int64) error {
	if _, err := txn.tx.Exec(`
		DELETE FROM fyle_message_joins
		WHERE fyle_id = ? AND message_id = ?`, fyleID, messageID); err != nil {
		return errors.Errorf(deleteJoinErr, fyleID, messageID, err)
	}
	return nil
}
