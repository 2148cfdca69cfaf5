package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"exhibition-bot/internal/models"
	"exhibition-bot/internal/photostore"
	"exhibition-bot/internal/store"
	"exhibition-bot/internal/telegram"
)

// Transport is the chat channel surface a tenant worker drives. All writes
// happen from the worker's run loop, never concurrently.
type Transport interface {
	GetMe(ctx context.Context) (telegram.User, error)
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	GetFile(ctx context.Context, fileID string) ([]byte, error)
}

// RecordStore is the persistence surface the worker consumes.
type RecordStore interface {
	CreateRecord(ctx context.Context, p store.CreateRecordParams) (models.ExhibitionRecord, error)
	ListUnsynced(ctx context.Context, tenantID string) ([]models.ExhibitionRecord, error)
	MarkSynced(ctx context.Context, id string, evaluatedAt *time.Time) error
	CountPending(ctx context.Context, tenantID string) (int64, error)
}

// Limiter caps outbound channel writes per tenant.
type Limiter interface {
	AllowSend(ctx context.Context, tenantID string) (bool, error)
}

// Options configures a tenant worker.
type Options struct {
	Tenant    models.Tenant
	Transport Transport
	Store     RecordStore
	Photos    photostore.Uploader
	Limiter   Limiter // optional
	Logger    *slog.Logger

	SyncInterval   time.Duration
	PollTimeout    time.Duration
	PollRetryDelay time.Duration
	ThumbWidth     int
	MaxPhotoBytes  int64
}

// Worker bridges one tenant's chat channel to storage: it ingests inbound
// photo submissions and periodically syncs evaluation decisions back into
// the originating messages.
type Worker struct {
	tenant    models.Tenant
	transport Transport
	logger    *slog.Logger

	ingest *IngestHandler
	sync   *SyncJob

	syncInterval   time.Duration
	pollTimeout    time.Duration
	pollRetryDelay time.Duration
}

// New builds a worker. The supervisor owns its lifecycle.
func New(opts Options) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tenant_id", opts.Tenant.ID, "tenant_name", opts.Tenant.Name)

	syncInterval := opts.SyncInterval
	if syncInterval <= 0 {
		syncInterval = 30 * time.Second
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 25 * time.Second
	}
	pollRetryDelay := opts.PollRetryDelay
	if pollRetryDelay <= 0 {
		pollRetryDelay = 3 * time.Second
	}

	send := newSender(opts.Tenant.ID, opts.Transport, opts.Limiter)
	return &Worker{
		tenant:    opts.Tenant,
		transport: opts.Transport,
		logger:    logger,
		ingest: &IngestHandler{
			tenant:     opts.Tenant,
			transport:  opts.Transport,
			store:      opts.Store,
			photos:     opts.Photos,
			send:       send,
			thumbWidth: opts.ThumbWidth,
			maxBytes:   opts.MaxPhotoBytes,
			logger:     logger,
		},
		sync: &SyncJob{
			tenantID:  opts.Tenant.ID,
			store:     opts.Store,
			transport: opts.Transport,
			limiter:   opts.Limiter,
			logger:    logger,
		},
		syncInterval:   syncInterval,
		pollTimeout:    pollTimeout,
		pollRetryDelay: pollRetryDelay,
	}
}

// Run blocks until the context is cancelled (deliberate stop, returns nil) or
// the session fails fatally (returns the error; the supervisor decides what
// happens next — the worker never restarts itself).
func (w *Worker) Run(ctx context.Context) error {
	me, err := w.transport.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("establish session: %w", err)
	}
	w.logger.Info("worker session established", "bot", me.Username)

	updates := make(chan telegram.Update, 32)
	fatal := make(chan error, 1)
	go w.poll(ctx, updates, fatal)

	// Inbound handling runs on a detached context so a stop lets the current
	// reply or ingest finish instead of aborting it half-way. Sync runs take
	// the live context and honor the stop between records.
	opBase := context.WithoutCancel(ctx)

	// The timer is re-armed only after a sync run completes, so runs for one
	// tenant never overlap.
	timer := time.NewTimer(w.syncInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return nil
		case err := <-fatal:
			return err
		case u := <-updates:
			w.handleUpdate(opBase, u)
		case <-timer.C:
			w.runSync(ctx)
			timer.Reset(w.syncInterval)
		}
	}
}

// poll long-polls the transport and feeds updates into the run loop. It is
// the only reader on the session; all writes stay on the run loop side.
func (w *Worker) poll(ctx context.Context, updates chan<- telegram.Update, fatal chan<- error) {
	var offset int64
	for {
		batch, err := w.transport.GetUpdates(ctx, offset, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, telegram.ErrUnauthorized) {
				fatal <- fmt.Errorf("poll updates: %w", err)
				return
			}
			w.logger.Warn("poll failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollRetryDelay):
			}
			continue
		}
		for _, u := range batch {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			select {
			case <-ctx.Done():
				return
			case updates <- u:
			}
		}
	}
}

func (w *Worker) handleUpdate(ctx context.Context, u telegram.Update) {
	msg := u.Message
	if msg == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	switch {
	case len(msg.Photo) > 0:
		if err := w.ingest.Handle(opCtx, msg); err != nil {
			w.logger.Error("ingest failed", "chat_id", msg.Chat.ID, "error", err)
		}
	case msg.Text != "":
		w.handleCommand(opCtx, msg)
	}
}

// handleCommand answers the small administrative command set.
func (w *Worker) handleCommand(ctx context.Context, msg *telegram.Message) {
	var reply string
	switch msg.Text {
	case "/start", "/help":
		reply = "Send a photo of your shelf display to submit it for review."
	case "/pending":
		n, err := w.ingest.store.CountPending(ctx, w.tenant.ID)
		if err != nil {
			w.logger.Error("count pending failed", "error", err)
			return
		}
		reply = fmt.Sprintf("%d submission(s) awaiting review.", n)
	default:
		return
	}
	if _, err := w.ingest.send(ctx, msg.Chat.ID, reply); err != nil {
		w.logger.Warn("command reply failed", "command", msg.Text, "error", err)
	}
}

func (w *Worker) runSync(ctx context.Context) {
	stats, err := w.sync.Run(ctx)
	if err != nil {
		w.logger.Error("sync run failed", "error", err)
		return
	}
	if stats.Synced > 0 || stats.Failed > 0 {
		w.logger.Info("sync run completed", "synced", stats.Synced, "failed", stats.Failed)
	}
}

// sendFunc writes one message through the tenant's outbound budget.
type sendFunc func(ctx context.Context, chatID int64, text string) (int64, error)

func newSender(tenantID string, transport Transport, limiter Limiter) sendFunc {
	return func(ctx context.Context, chatID int64, text string) (int64, error) {
		if limiter != nil {
			allowed, err := limiter.AllowSend(ctx, tenantID)
			if err != nil {
				return 0, fmt.Errorf("rate limiter: %w", err)
			}
			if !allowed {
				return 0, telegram.ErrRateLimited
			}
		}
		return transport.SendMessage(ctx, chatID, text)
	}
}
