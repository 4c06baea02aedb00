////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package posting hands outbound messages to the engine: the first-send path
// with recipient fan-out, preview deferral, and return-receipt key minting,
// and the single-recipient repost path that retries recipients the engine
// never accepted. Both paths are re-entrant; failures degrade to "nothing
// changed, retried later" rather than surfacing to the caller.
package posting

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/obscura-app/delivery/catalog"
	"gitlab.com/obscura-app/delivery/delivery"
	"gitlab.com/obscura-app/delivery/engine"
	"gitlab.com/obscura-app/delivery/fanout"
	"gitlab.com/obscura-app/delivery/fyle"
	"gitlab.com/obscura-app/delivery/identity"
	"gitlab.com/obscura-app/delivery/storage"
	"gitlab.com/obscura-app/delivery/wire"
	"gitlab.com/obscura-app/delivery/worker"
)

// Error messages.
const (
	nonceErr           = "failed to mint return-receipt nonce: %+v"
	locationPayloadErr = "malformed location payload on message %d: %+v"
	postRefusedLog     = "[posting] Post of message %d refused: %s"
	postEngineLog      = "[posting] Engine post of message %d failed: %+v"
	previewDeferredLog = "[posting] Post of message %d deferred for preview computation"
)

const (
	returnReceiptNonceLen = 16
	returnReceiptKeyLen   = 32

	// indexDelay spaces the best-effort full-text indexing away from the
	// send so it never competes with it.
	indexDelay = 30 * time.Second
)

// RepostOutcome tells retry bookkeeping what a Repost actually did.
type RepostOutcome int

const (
	// RepostPosted - the engine accepted the message for the recipient.
	RepostPosted RepostOutcome = iota

	// RepostTerminal - nothing left to retry: the recipient already carries
	// an engine handle, or the discussion was gone or locked, or the message
	// wiped; the recipient info was closed out without a network attempt.
	RepostTerminal

	// RepostNotMember - the recipient left the permissioned group since the
	// retry was queued; nothing was changed.
	RepostNotMember

	// RepostDeferred - a preview computation was kicked off first; the
	// repost re-enters once it completes.
	RepostDeferred

	// RepostFailed - the engine refused; state unchanged, retry later.
	RepostFailed
)

// SearchIndexer receives delayed best-effort requests to index attachment
// contents for full-text search. Implementations must never block the send
// path.
type SearchIndexer interface {
	IndexAttachments(messageID int64)
}

// Poster drives the outbound hand-off to the engine.
type Poster struct {
	store    *storage.Store
	eng      engine.Engine
	resolver *fanout.Resolver
	dir      fanout.Directory
	delivery *delivery.Manager
	coord    *fyle.Coordinator
	pool     *worker.Pool
	indexer  SearchIndexer
}

// NewPoster creates a Poster. indexer may be nil to disable full-text
// indexing.
func NewPoster(store *storage.Store, eng engine.Engine, dir fanout.Directory,
	dlv *delivery.Manager, coord *fyle.Coordinator, pool *worker.Pool,
	indexer SearchIndexer) *Poster {
	return &Poster{
		store:    store,
		eng:      eng,
		resolver: fanout.NewResolver(dir),
		dir:      dir,
		delivery: dlv,
		coord:    coord,
		pool:     pool,
		indexer:  indexer,
	}
}

// Post performs the first send of a message. Preconditions (NORMAL
// discussion, no attachment still copying) abort with a log line and no
// state change; the caller retries by calling Post again. An empty sendable
// recipient set is vacuous success: the message is marked SENT outright,
// with placeholder recipient rows kept for later retries.
func (p *Poster) Post(txn *storage.Txn, messageID int64) error {
	msg, err := storage.GetMessage(txn, messageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.IsWiped() {
		jww.ERROR.Printf(postRefusedLog, messageID, "message gone or wiped")
		return nil
	}
	d, err := storage.GetDiscussion(txn, msg.DiscussionID)
	if err != nil {
		return err
	}
	if d == nil || d.Status != catalog.DiscussionNormal {
		jww.ERROR.Printf(postRefusedLog, messageID, "discussion not normal")
		return nil
	}

	joins, err := storage.JoinsForMessage(txn, messageID)
	if err != nil {
		return err
	}
	for i := range joins {
		if joins[i].Status == catalog.AttachmentCopying {
			// Retried once the background copy completes.
			jww.WARN.Printf(postRefusedLog, messageID,
				"an attachment is still copying")
			return nil
		}
	}

	res, err := p.resolver.Resolve(d)
	if err != nil {
		return err
	}
	if err = p.ensureRecipientRows(txn, messageID, res); err != nil {
		return err
	}

	if len(res.SendableNow) == 0 {
		for i := range joins {
			err = storage.SetJoinStatus(txn, joins[i].FyleID, messageID,
				catalog.AttachmentComplete)
			if err != nil {
				return err
			}
		}
		return p.delivery.MarkSentLocally(txn, messageID)
	}

	if p.deferForPreview(msg, joins) {
		return nil
	}

	nonce, key, err := mintReceiptKeys()
	if err != nil {
		return err
	}
	return p.send(txn, d, msg, joins, res.SendableNow, nonce, key)
}

// Repost retries a single recipient the engine never accepted the message
// for. The returned outcome is bookkeeping for the retry queue; the error is
// reserved for storage failures.
func (p *Poster) Repost(txn *storage.Txn, recipientInfoID int64) (
	RepostOutcome, error) {
	ri, err := storage.GetRecipientInfo(txn, recipientInfoID)
	if err != nil {
		return RepostFailed, err
	}
	if ri == nil || ri.HasEngineHandle() {
		// Already posted (or closed out); nothing to retry.
		return RepostTerminal, nil
	}
	msg, err := storage.GetMessage(txn, ri.MessageID)
	if err != nil {
		return RepostFailed, err
	}
	var d *storage.Discussion
	if msg != nil {
		if d, err = storage.GetDiscussion(txn, msg.DiscussionID); err != nil {
			return RepostFailed, err
		}
	}

	if msg == nil || msg.IsWiped() ||
		d == nil || d.Status != catalog.DiscussionNormal {
		return RepostTerminal, p.closeOutRecipient(txn, ri)
	}

	if d.Kind == catalog.KindGroupV2 &&
		!p.dir.GroupV2HasMember(d.Owner, d.Identifier, ri.Recipient) {
		// Membership changed since the retry was queued.
		return RepostNotMember, nil
	}

	joins, err := storage.JoinsForMessage(txn, msg.ID)
	if err != nil {
		return RepostFailed, err
	}
	if p.deferForPreview(msg, joins) {
		return RepostDeferred, nil
	}

	// Reuse the nonce/key of any sibling row so receipts from an earlier
	// attempt still match; mint fresh ones only for a first-ever send.
	nonce, key, err := storage.ReceiptKeysForMessage(txn, msg.ID)
	if err != nil {
		return RepostFailed, err
	}
	if nonce == nil {
		if nonce, key, err = mintReceiptKeys(); err != nil {
			return RepostFailed, err
		}
	}

	err = p.send(txn, d, msg, joins,
		[]identity.Identity{ri.Recipient}, nonce, key)
	if err != nil {
		return RepostFailed, err
	}

	// send logged and swallowed an engine refusal; the row tells which.
	ri, err = storage.GetRecipientInfo(txn, recipientInfoID)
	if err != nil {
		return RepostFailed, err
	}
	if ri == nil || !ri.HasEngineHandle() {
		return RepostFailed, nil
	}
	return RepostPosted, nil
}

// closeOutRecipient terminally processes the recipient info with no network
// attempt and recomputes the message aggregate.
func (p *Poster) closeOutRecipient(txn *storage.Txn,
	ri *storage.MessageRecipientInfo) error {
	processed := ""
	zero := int64(0)
	ri.EngineMessageIdentifier = &processed
	ri.TimestampSent = &zero
	if err := storage.UpdateRecipientInfo(txn, ri); err != nil {
		return err
	}
	return p.delivery.RefreshOutboundStatus(txn, ri.MessageID)
}

// ensureRecipientRows creates the missing recipient-info rows for the
// resolved set. Placeholder rows for recipients nothing is transmitted to
// now are how later retries know who is still owed the message.
func (p *Poster) ensureRecipientRows(txn *storage.Txn, messageID int64,
	res fanout.Resolution) error {
	for _, recipient := range res.All {
		existing, err := storage.RecipientInfoForMessageAndRecipient(
			txn, messageID, recipient)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		ri := &storage.MessageRecipientInfo{
			MessageID: messageID,
			Recipient: recipient,
		}
		if err = storage.InsertRecipientInfo(txn, ri); err != nil {
			return err
		}
	}
	return nil
}

// send performs the engine hand-off for the given recipients and persists
// the per-recipient outcome. Engine refusal is logged and swallowed; the
// rows are left untouched for a later retry.
func (p *Poster) send(txn *storage.Txn, d *storage.Discussion,
	msg *storage.Message, joins []storage.FyleMessageJoin,
	recipients []identity.Identity, nonce, key []byte) error {
	payload, err := p.buildEnvelope(d, msg, nonce, key)
	if err != nil {
		return err
	}
	attachments, err := p.describeAttachments(txn, joins)
	if err != nil {
		return err
	}

	out, err := p.eng.Post(engine.PostInput{
		Payload:         payload,
		ExtendedPayload: msg.ExtendedPayload,
		Attachments:     attachments,
		Recipients:      recipients,
		OwnerIdentity:   d.Owner,
		IsUserMessage:   true,
	})
	if err != nil {
		jww.ERROR.Printf(postEngineLog, msg.ID, err)
		return nil
	}

	allNumbers := storage.NumberSetUpTo(len(joins))
	for _, recipient := range recipients {
		idBytes := out.IdentifierFor(recipient)
		if idBytes == nil {
			continue
		}
		ri, err := storage.RecipientInfoForMessageAndRecipient(
			txn, msg.ID, recipient)
		if err != nil {
			return err
		}
		if ri == nil || ri.HasEngineHandle() {
			// The (nonce, key, identifier) triple is immutable once set.
			continue
		}
		handle := storage.EncodeEngineIdentifier(idBytes)
		ri.EngineMessageIdentifier = &handle
		ri.ReturnReceiptNonce = nonce
		ri.ReturnReceiptKey = key
		ri.UnsentAttachmentNumbers = allNumbers
		ri.UndeliveredAttachmentNumbers = allNumbers
		ri.UnreadAttachmentNumbers = allNumbers
		if err = storage.UpdateRecipientInfo(txn, ri); err != nil {
			return err
		}
	}

	if out.PostedForAtLeastOne() {
		for i := range joins {
			err = storage.SetJoinEngineNumber(txn, joins[i].FyleID, msg.ID,
				int64(joins[i].Position), catalog.AttachmentUploading)
			if err != nil {
				return err
			}
		}
		err = storage.SetMessageStatus(
			txn, msg.ID, catalog.StatusProcessing)
		if err != nil {
			return err
		}
	} else {
		// Nothing will upload; the attachments are as done as they get.
		for i := range joins {
			err = storage.SetJoinStatus(txn, joins[i].FyleID, msg.ID,
				catalog.AttachmentComplete)
			if err != nil {
				return err
			}
		}
	}

	p.scheduleIndexing(msg.ID)
	return nil
}

// buildEnvelope renders the wire payload for the message.
func (p *Poster) buildEnvelope(d *storage.Discussion, msg *storage.Message,
	nonce, key []byte) ([]byte, error) {
	env := &wire.Envelope{
		SenderSequenceNumber:   msg.SenderSequenceNumber,
		SenderThreadIdentifier: msg.SenderThreadIdentifier,
		Body:                   msg.Body,
		ReturnReceiptNonce:     nonce,
		ReturnReceiptKey:       key,
	}
	if msg.HasEphemeralSettings() {
		env.Expiration = &wire.ExpirationSettings{
			VisibilityDuration: msg.VisibilityDuration,
			ExistenceDuration:  msg.ExistenceDuration,
			ReadOnce:           msg.ReadOnce,
		}
	}
	if len(msg.ReplySenderIdentifier) > 0 {
		env.Reply = &wire.ReplyReference{
			SenderIdentifier:       msg.ReplySenderIdentifier,
			SenderThreadIdentifier: msg.ReplySenderThreadIdentifier,
			SenderSequenceNumber:   msg.ReplySenderSequenceNumber,
		}
	}
	if msg.LocationPayload != "" {
		loc := &wire.Location{}
		err := json.Unmarshal([]byte(msg.LocationPayload), loc)
		if err != nil {
			return nil, errors.Errorf(locationPayloadErr, msg.ID, err)
		}
		loc.Sharing = msg.LocationSharing
		env.Location = loc
	}

	switch d.Kind {
	case catalog.KindOneToOne:
		env.OneToOneIdentifier = d.Identifier
	case catalog.KindLegacyGroup:
		env.GroupUID = d.Identifier
	case catalog.KindGroupV2:
		env.GroupV2Identifier = d.Identifier
	default:
		return nil, errors.Errorf(
			"cannot build envelope for unknown discussion kind %s", d.Kind)
	}

	return env.Marshal()
}

// describeAttachments renders the engine-facing attachment descriptors in
// position order.
func (p *Poster) describeAttachments(txn *storage.Txn,
	joins []storage.FyleMessageJoin) ([]engine.Attachment, error) {
	attachments := make([]engine.Attachment, 0, len(joins))
	for i := range joins {
		f, err := storage.GetFyle(txn, joins[i].FyleID)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, errors.Errorf(
				"fyle %d of join vanished mid-post", joins[i].FyleID)
		}
		attachments = append(attachments, engine.Attachment{
			Path:     p.coord.BlobPath(f),
			Digest:   f.Digest,
			Size:     f.Size,
			MimeType: joins[i].MimeType,
		})
	}
	return attachments, nil
}

// scheduleIndexing kicks off delayed best-effort full-text indexing of the
// message's attachments. Never blocks or fails the send.
func (p *Poster) scheduleIndexing(messageID int64) {
	if p.indexer == nil || p.pool == nil {
		return
	}
	p.pool.SubmitAfter(indexDelay, func() {
		p.indexer.IndexAttachments(messageID)
	})
}

func mintReceiptKeys() (nonce, key []byte, err error) {
	nonce = make([]byte, returnReceiptNonceLen)
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, errors.Errorf(nonceErr, err)
	}
	key = make([]byte, returnReceiptKeyLen)
	if _, err = rand.Read(key); err != nil {
		return nil, nil, errors.Errorf(nonceErr, err)
	}
	return nonce, key, nil
}

// previewKey names the deferred preview task for a message, so a concurrent
// computation for the same message registers as a duplicate and is skipped.
func previewKey(messageID int64) string {
	return fmt.Sprintf("preview-%d", messageID)
}
