package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/disintegration/imaging"

	"exhibition-bot/internal/models"
	"exhibition-bot/internal/photostore"
	"exhibition-bot/internal/store"
	"exhibition-bot/internal/telegram"
	"exhibition-bot/internal/telemetry"
)

const (
	ackText      = "Shelf photo received. Status: Pending review."
	failureText  = "Could not store your photo, please try again."
	oversizeText = "Photo is too large, please send a smaller one."
)

// IngestHandler turns one inbound photo submission into a pending record.
// Upload fails closed: no stored photo, no record, and the submitter gets an
// explicit failure reply. Duplicate delivery is bounded only by the
// transport's update offsets, so ingestion is at-least-once.
type IngestHandler struct {
	tenant     models.Tenant
	transport  Transport
	store      RecordStore
	photos     photostore.Uploader
	send       sendFunc
	thumbWidth int
	maxBytes   int64
	logger     *slog.Logger
}

// Handle processes a single photo message.
func (h *IngestHandler) Handle(ctx context.Context, msg *telegram.Message) error {
	photo := largestPhoto(msg.Photo)
	if photo == nil {
		return fmt.Errorf("message %d has no photo sizes", msg.MessageID)
	}

	data, err := h.transport.GetFile(ctx, photo.FileID)
	if err != nil {
		h.replyFailure(ctx, msg.Chat.ID)
		return fmt.Errorf("fetch photo: %w", err)
	}
	if h.maxBytes > 0 && int64(len(data)) > h.maxBytes {
		telemetry.SubmissionFailures.Inc()
		if _, err := h.send(ctx, msg.Chat.ID, oversizeText); err != nil {
			h.logger.Warn("oversize reply not delivered", "chat_id", msg.Chat.ID, "error", err)
		}
		return fmt.Errorf("photo of %d bytes exceeds limit %d", len(data), h.maxBytes)
	}

	prefix := h.tenant.PhotoPrefix
	if prefix == "" {
		prefix = h.tenant.ID
	}
	key := fmt.Sprintf("%s/%d_%d.jpg", prefix, msg.Chat.ID, msg.MessageID)

	photoRef, err := h.photos.Upload(ctx, key, data, "image/jpeg")
	if err != nil {
		telemetry.SubmissionFailures.Inc()
		h.replyFailure(ctx, msg.Chat.ID)
		return fmt.Errorf("upload photo: %w", err)
	}

	// Thumbnail is best effort: a photo that will not decode still gets a
	// record, evaluators just see the full-size reference.
	var thumbRef string
	if thumb, err := makeThumbnail(data, h.thumbWidth); err != nil {
		h.logger.Warn("thumbnail generation failed", "key", key, "error", err)
	} else {
		thumbKey := fmt.Sprintf("%s/thumbs/%d_%d.jpg", prefix, msg.Chat.ID, msg.MessageID)
		if thumbRef, err = h.photos.Upload(ctx, thumbKey, thumb, "image/jpeg"); err != nil {
			h.logger.Warn("thumbnail upload failed", "key", thumbKey, "error", err)
			thumbRef = ""
		}
	}

	ackID, err := h.send(ctx, msg.Chat.ID, ackText)
	if err != nil {
		return fmt.Errorf("send acknowledgement: %w", err)
	}

	var submitterID int64
	var submitterName string
	if msg.From != nil {
		submitterID = msg.From.ID
		submitterName = msg.From.Username
	}

	record, err := h.store.CreateRecord(ctx, store.CreateRecordParams{
		TenantID:      h.tenant.ID,
		SubmitterID:   submitterID,
		SubmitterName: submitterName,
		PhotoRef:      photoRef,
		ThumbRef:      thumbRef,
		ChatID:        msg.Chat.ID,
		MessageID:     ackID,
	})
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}

	telemetry.SubmissionsTotal.Inc()
	h.logger.Info("submission ingested", "record_id", record.ID, "submitter", submitterName)
	return nil
}

func (h *IngestHandler) replyFailure(ctx context.Context, chatID int64) {
	if _, err := h.send(ctx, chatID, failureText); err != nil {
		h.logger.Warn("failure reply not delivered", "chat_id", chatID, "error", err)
	}
}

func largestPhoto(sizes []telegram.PhotoSize) *telegram.PhotoSize {
	var best *telegram.PhotoSize
	bestArea := -1
	for i := range sizes {
		area := sizes[i].Width * sizes[i].Height
		if area > bestArea {
			best = &sizes[i]
			bestArea = area
		}
	}
	return best
}

func makeThumbnail(data []byte, width int) ([]byte, error) {
	if width <= 0 {
		width = 320
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
