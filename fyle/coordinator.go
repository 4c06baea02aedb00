////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package fyle coordinates the lifecycle of content-addressed attachment
// blobs. A fyle is keyed by the SHA-256 digest of its content and shared by
// every message that attaches the same bytes; the blob is deleted only when
// the last referencing message lets go of it.
package fyle

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/ekv"

	"gitlab.com/obscura-app/delivery/catalog"
	"gitlab.com/obscura-app/delivery/engine"
	"gitlab.com/obscura-app/delivery/identity"
	"gitlab.com/obscura-app/delivery/storage"
)

// Error messages.
const (
	storeBlobErr  = "failed to store blob %s: %+v"
	loadBlobErr   = "failed to load blob %s: %+v"
	deleteBlobErr = "[fyle] Best-effort blob delete of %s failed: %+v"
)

// blob adapts raw attachment bytes to the key-value store's
// Marshaler/Unmarshaler pair.
type blob []byte

func (b blob) Marshal() []byte { return b }

func (b *blob) Unmarshal(data []byte) error {
	*b = data
	return nil
}

// Coordinator owns the blob store and the per-digest locks that serialize
// concurrent operations on the same content while letting unrelated content
// proceed in parallel.
type Coordinator struct {
	blobs ekv.KeyValue
	eng   engine.Engine

	// locks maps hex digests to their mutex; guard protects the map's own
	// mutation only. Locks are created lazily and never removed; the set of
	// digests handled in one run is small.
	locks map[string]*sync.Mutex
	guard sync.Mutex
}

// NewCoordinator creates a Coordinator over the given blob store.
func NewCoordinator(blobs ekv.KeyValue, eng engine.Engine) *Coordinator {
	return &Coordinator{
		blobs: blobs,
		eng:   eng,
		locks: make(map[string]*sync.Mutex),
	}
}

// digestLock returns the mutex for the digest, creating it if needed.
func (c *Coordinator) digestLock(digest []byte) *sync.Mutex {
	key := hex.EncodeToString(digest)
	c.guard.Lock()
	defer c.guard.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// GetOrCreate returns the fyle for the given content, storing the blob and
// creating the row when the content is new. Serialized per digest, so a
// concurrent delete of the same content cannot race the creation.
func (c *Coordinator) GetOrCreate(txn *storage.Txn, content []byte) (
	*storage.Fyle, error) {
	sum := sha256.Sum256(content)
	digest := sum[:]

	l := c.digestLock(digest)
	l.Lock()
	defer l.Unlock()

	f, err := storage.FyleByDigest(txn, digest)
	if err != nil {
		return nil, err
	}
	if f != nil {
		return f, nil
	}

	key := hex.EncodeToString(digest)
	if err = c.blobs.Set(key, blob(content)); err != nil {
		return nil, errors.Errorf(storeBlobErr, key, err)
	}

	f = &storage.Fyle{Digest: digest, Size: int64(len(content))}
	if err = storage.InsertFyle(txn, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Content loads the blob backing the fyle.
func (c *Coordinator) Content(f *storage.Fyle) ([]byte, error) {
	key := hex.EncodeToString(f.Digest)
	var b blob
	if err := c.blobs.Get(key, &b); err != nil {
		return nil, errors.Errorf(loadBlobErr, key, err)
	}
	return b, nil
}

// BlobPath returns the blob-store key for the fyle, handed to the engine as
// the attachment path.
func (c *Coordinator) BlobPath(f *storage.Fyle) string {
	return hex.EncodeToString(f.Digest)
}

// Attach creates the attachment join binding the fyle to a message at the
// given position.
func (c *Coordinator) Attach(txn *storage.Txn, f *storage.Fyle,
	messageID int64, position int, fileName, mimeType string,
	status catalog.AttachmentStatus) (*storage.FyleMessageJoin, error) {
	j := &storage.FyleMessageJoin{
		FyleID:    f.ID,
		MessageID: messageID,
		Position:  position,
		FileName:  fileName,
		MimeType:  mimeType,
		Size:      f.Size,
		Status:    status,
	}
	if err := storage.InsertJoin(txn, j); err != nil {
		return nil, err
	}
	return j, nil
}

// DeleteJoin detaches the fyle from the message. In-flight engine work on
// the attachment is cancelled best-effort; the join state, not the engine's,
// is the source of truth. When the last join disappears the fyle row and its
// blob are deleted, serialized per digest.
func (c *Coordinator) DeleteJoin(txn *storage.Txn,
	owner identity.Identity, j *storage.FyleMessageJoin,
	engineMessageID []byte) error {
	c.cancelEngineWork(owner, j, engineMessageID)

	if err := storage.DeleteJoin(txn, j.FyleID, j.MessageID); err != nil {
		return err
	}

	f, err := storage.GetFyle(txn, j.FyleID)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}

	l := c.digestLock(f.Digest)
	l.Lock()
	defer l.Unlock()

	n, err := storage.CountJoinsForFyle(txn, f.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	if err = storage.DeleteFyle(txn, f.ID); err != nil {
		return err
	}
	key := hex.EncodeToString(f.Digest)
	if err = c.blobs.Delete(key); err != nil {
		jww.WARN.Printf(deleteBlobErr, key, err)
	}
	return nil
}

// cancelEngineWork asks the engine to abandon whatever transfer is still in
// flight for the attachment. Exceptions are swallowed.
func (c *Coordinator) cancelEngineWork(owner identity.Identity,
	j *storage.FyleMessageJoin, engineMessageID []byte) {
	if len(engineMessageID) == 0 || j.EngineNumber == nil {
		return
	}
	number := int(*j.EngineNumber)

	switch j.Status {
	case catalog.AttachmentDownloadable, catalog.AttachmentDownloading:
		err := c.eng.MarkAttachmentForDeletion(owner, engineMessageID, number)
		if err != nil {
			jww.WARN.Printf("[fyle] Failed to mark attachment %d of %x for "+
				"deletion: %+v", number, engineMessageID, err)
		}
	case catalog.AttachmentUploading:
		err := c.eng.CancelAttachmentUpload(owner, engineMessageID, number)
		if err != nil {
			jww.WARN.Printf("[fyle] Failed to cancel upload of attachment "+
				"%d of %x: %+v", number, engineMessageID, err)
		}
	}
}

// DeleteMessageJoins detaches every attachment of a message, with the same
// cancellation and garbage-collection semantics as DeleteJoin.
func (c *Coordinator) DeleteMessageJoins(txn *storage.Txn,
	owner identity.Identity, messageID int64, engineMessageID []byte) error {
	joins, err := storage.JoinsForMessage(txn, messageID)
	if err != nil {
		return err
	}
	for i := range joins {
		if err = c.DeleteJoin(txn, owner, &joins[i], engineMessageID); err != nil {
			return err
		}
	}
	return nil
}
