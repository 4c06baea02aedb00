////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package posting

import (
	"bytes"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/obscura-app/delivery/storage"
)

const (
	// previewMaxDim bounds the longer edge of the computed thumbnail.
	previewMaxDim = 512

	previewQuality = 75
)

// deferForPreview hands the message off to an asynchronous preview
// computation when one is owed and not yet available, returning true when
// the caller should bail out and wait for the re-entry. A duplicate
// registration means a computation is already running for this message; the
// post is abandoned silently, the running computation re-enters for both.
func (p *Poster) deferForPreview(msg *storage.Message,
	joins []storage.FyleMessageJoin) bool {
	// A zero-length (but present) payload records a computation that found
	// no usable image; only a missing one defers.
	if msg.ExtendedPayload != nil || p.pool == nil {
		return false
	}
	if !needsPreview(joins) {
		return false
	}

	messageID := msg.ID
	err := p.pool.SubmitUnique(previewKey(messageID), func() {
		p.computePreviewAndResume(messageID)
	})
	if err != nil {
		jww.DEBUG.Printf(
			"[posting] Preview already computing for message %d.", messageID)
		return true
	}
	jww.INFO.Printf(previewDeferredLog, messageID)
	return true
}

// needsPreview reports whether any attachment declares a visual type a
// thumbnail could be computed for.
func needsPreview(joins []storage.FyleMessageJoin) bool {
	for i := range joins {
		if previewCandidate(joins[i].MimeType) {
			return true
		}
	}
	return false
}

// previewCandidate reports whether a declared mime type is worth a preview
// attempt. Video attachments qualify; their computation records an empty
// payload when no decodable frame image is found.
func previewCandidate(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/") ||
		strings.HasPrefix(mimeType, "video/")
}

// computePreviewAndResume runs off the send path: it computes a thumbnail of
// the first image attachment, stores it as the message's extended payload,
// and re-enters Post. Failures clear nothing; the message simply posts
// without a preview on the next attempt.
func (p *Poster) computePreviewAndResume(messageID int64) {
	err := p.store.InTxn(func(txn *storage.Txn) error {
		msg, err := storage.GetMessage(txn, messageID)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		if msg.ExtendedPayload == nil {
			preview := p.computePreview(txn, messageID)
			if preview == nil {
				// No usable image after all; post without one.
				preview = []byte{}
			}
			if err = storage.SetExtendedPayload(
				txn, messageID, preview); err != nil {
				return err
			}
			msg.ExtendedPayload = preview
		}
		return p.Post(txn, messageID)
	})
	if err != nil {
		jww.WARN.Printf(
			"[posting] Preview computation for message %d failed: %+v",
			messageID, err)
	}
}

// computePreview renders a JPEG thumbnail of the first decodable image
// attachment, or nil.
func (p *Poster) computePreview(txn *storage.Txn,
	messageID int64) []byte {
	joins, err := storage.JoinsForMessage(txn, messageID)
	if err != nil {
		jww.WARN.Printf("[posting] Failed to list attachments of message "+
			"%d: %+v", messageID, err)
		return nil
	}

	for i := range joins {
		if !previewCandidate(joins[i].MimeType) {
			continue
		}
		f, err := storage.GetFyle(txn, joins[i].FyleID)
		if err != nil || f == nil {
			continue
		}
		content, err := p.coord.Content(f)
		if err != nil {
			continue
		}
		// The stored mime type is caller-supplied; the sniffed type of the
		// bytes decides whether a thumbnail is attempted.
		detected := mimetype.Detect(content)
		if !strings.HasPrefix(detected.String(), "image/") {
			jww.DEBUG.Printf("[posting] Attachment %d of message %d "+
				"declared %q but sniffs as %q; skipping.",
				joins[i].Position, messageID, joins[i].MimeType,
				detected.String())
			continue
		}
		if thumb := renderThumbnail(content); thumb != nil {
			return thumb
		}
	}
	return nil
}

// renderThumbnail decodes, downscales, and re-encodes an image, or returns
// nil when the bytes are not a decodable image.
func renderThumbnail(content []byte) []byte {
	img, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil
	}
	thumb := resize.Thumbnail(
		previewMaxDim, previewMaxDim, img, resize.Lanczos3)

	var buf bytes.Buffer
	opts := &jpeg.Options{Quality: previewQuality}
	if err = jpeg.Encode(&buf, thumb, opts); err != nil {
		return nil
	}
	return buf.Bytes()
}
