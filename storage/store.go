////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package storage is the local relational store the delivery core drives. It
// holds discussions, messages, per-recipient delivery bookkeeping, and the
// content-addressed attachment records, and exposes the point queries the
// allocator and the delivery state machine depend on.
//
// Every read and write takes an explicit *Txn. Operations the core documents
// as "must run inside a transaction" take the handle as a parameter, so the
// requirement is a compile-time contract instead of a runtime assertion.
package storage

import (
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Error messages.
const (
	openErr      = "failed to open delivery store at %q: %+v"
	schemaErr    = "failed to apply delivery store schema: %+v"
	beginErr     = "failed to begin transaction: %+v"
	rollbackErr  = "[Store] Rollback after %v failed: %+v"
	commitErr    = "failed to commit transaction: %+v"
	inMemoryPath = ":memory:"
)

const schema = `
CREATE TABLE IF NOT EXISTS discussions (
	id                            INTEGER PRIMARY KEY AUTOINCREMENT,
	owner                         BLOB    NOT NULL,
	kind                          INTEGER NOT NULL,
	identifier                    BLOB    NOT NULL,
	title                         TEXT    NOT NULL DEFAULT '',
	status                        INTEGER NOT NULL DEFAULT 0,
	last_outbound_sequence_number INTEGER NOT NULL DEFAULT 0,
	sender_thread_identifier      BLOB    NOT NULL,
	photo_url                     TEXT    NOT NULL DEFAULT '',
	attention_needed              INTEGER NOT NULL DEFAULT 0,
	visibility_duration           INTEGER NOT NULL DEFAULT 0,
	existence_duration            INTEGER NOT NULL DEFAULT 0,
	read_once                     INTEGER NOT NULL DEFAULT 0
);

-- At most one non-locked discussion per (owner, kind, identifier). The
-- literal 1 is catalog.DiscussionLocked.
CREATE UNIQUE INDEX IF NOT EXISTS discussions_active
	ON discussions(owner, kind, identifier) WHERE status != 1;

CREATE TABLE IF NOT EXISTS messages (
	id                             INTEGER PRIMARY KEY AUTOINCREMENT,
	discussion_id                  INTEGER NOT NULL REFERENCES discussions(id) ON DELETE CASCADE,
	sender_identifier              BLOB,
	sender_thread_identifier       BLOB,
	sender_sequence_number         INTEGER NOT NULL DEFAULT 0,
	sort_index                     REAL    NOT NULL DEFAULT 0,
	timestamp                      INTEGER NOT NULL DEFAULT 0,
	message_type                   INTEGER NOT NULL,
	status                         INTEGER NOT NULL DEFAULT 0,
	wipe_status                    INTEGER NOT NULL DEFAULT 0,
	body                           TEXT    NOT NULL DEFAULT '',
	missed_message_count           INTEGER NOT NULL DEFAULT 0,
	visibility_duration            INTEGER NOT NULL DEFAULT 0,
	existence_duration             INTEGER NOT NULL DEFAULT 0,
	read_once                      INTEGER NOT NULL DEFAULT 0,
	expiration_started             INTEGER NOT NULL DEFAULT 0,
	new_published_details          INTEGER NOT NULL DEFAULT 0,
	location_sharing               INTEGER NOT NULL DEFAULT 0,
	location_payload               TEXT    NOT NULL DEFAULT '',
	reply_sender_identifier        BLOB,
	reply_sender_thread_identifier BLOB,
	reply_sender_sequence_number   INTEGER NOT NULL DEFAULT 0,
	return_receipt_nonce           BLOB,
	return_receipt_key             BLOB,
	extended_payload               BLOB
);

CREATE INDEX IF NOT EXISTS messages_sort
	ON messages(discussion_id, sort_index);
CREATE INDEX IF NOT EXISTS messages_sequence
	ON messages(discussion_id, sender_identifier, sender_thread_identifier,
	            sender_sequence_number);

CREATE TABLE IF NOT EXISTS message_recipient_infos (
	id                             INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id                     INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	recipient                      BLOB    NOT NULL,
	engine_message_identifier      TEXT,
	return_receipt_nonce           BLOB,
	return_receipt_key             BLOB,
	timestamp_sent                 INTEGER,
	timestamp_delivered            INTEGER,
	timestamp_read                 INTEGER,
	unsent_attachment_numbers      TEXT    NOT NULL DEFAULT '',
	undelivered_attachment_numbers TEXT    NOT NULL DEFAULT '',
	unread_attachment_numbers      TEXT    NOT NULL DEFAULT '',
	UNIQUE(message_id, recipient)
);

CREATE INDEX IF NOT EXISTS recipient_infos_engine_id
	ON message_recipient_infos(engine_message_identifier);

CREATE TABLE IF NOT EXISTS fyles (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	digest BLOB NOT NULL UNIQUE,
	size   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS fyle_message_joins (
	fyle_id          INTEGER NOT NULL REFERENCES fyles(id),
	message_id       INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	position         INTEGER NOT NULL,
	engine_number    INTEGER,
	file_name        TEXT    NOT NULL DEFAULT '',
	mime_type        TEXT    NOT NULL DEFAULT '',
	size             INTEGER NOT NULL DEFAULT 0,
	status           INTEGER NOT NULL DEFAULT 0,
	reception_status INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY(fyle_id, message_id)
);

CREATE INDEX IF NOT EXISTS joins_message
	ON fyle_message_joins(message_id, position);
`

// Store is a handle on the sqlite-backed delivery database.
type Store struct {
	db *sqlx.DB
}

// Txn is an open transaction on the Store. All entity reads and writes in
// this package require one; multi-row updates rely on its atomicity.
type Txn struct {
	tx *sqlx.Tx
}

// Open opens (creating if needed) the delivery database at the given path.
// Pass ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != inMemoryPath {
		dsn = "file:" + path + "?_foreign_keys=on"
	} else {
		dsn = inMemoryPath + "?_foreign_keys=on"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Errorf(openErr, path, err)
	}

	// sqlite serializes writers anyway; a single connection avoids busy
	// errors and keeps in-memory test databases coherent.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schema); err != nil {
		return nil, errors.Errorf(schemaErr, err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin opens a transaction. Prefer InTxn unless the commit point has to be
// controlled by the caller.
func (s *Store) Begin() (*Txn, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, errors.Errorf(beginErr, err)
	}
	return &Txn{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Txn) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return errors.Errorf(commitErr, err)
	}
	return nil
}

// Rollback rolls the transaction back.
func (t *Txn) Rollback() error {
	return t.tx.Rollback()
}

// InTxn runs f inside a transaction, committing on nil and rolling back on
// error.
func (s *Store) InTxn(f func(*Txn) error) error {
	txn, err := s.Begin()
	if err != nil {
		return err
	}

	if err = f(txn); err != nil {
		if rbErr := txn.Rollback(); rbErr != nil {
			jww.ERROR.Printf(rollbackErr, err, rbErr)
		}
		return err
	}

	return txn.Commit()
}
