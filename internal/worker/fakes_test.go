package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"exhibition-bot/internal/models"
	"exhibition-bot/internal/store"
	"exhibition-bot/internal/telegram"
)

// fakeStore is an in-memory RecordStore.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*models.ExhibitionRecord

	createErr error
	markErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*models.ExhibitionRecord)}
}

func (f *fakeStore) CreateRecord(_ context.Context, p store.CreateRecordParams) (models.ExhibitionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return models.ExhibitionRecord{}, f.createErr
	}
	r := models.ExhibitionRecord{
		ID:            uuid.New().String(),
		TenantID:      p.TenantID,
		SubmitterID:   p.SubmitterID,
		SubmitterName: p.SubmitterName,
		PhotoRef:      p.PhotoRef,
		ThumbRef:      p.ThumbRef,
		SubmittedAt:   time.Now(),
		State:         models.StatePending,
		ChatID:        p.ChatID,
		MessageID:     p.MessageID,
		Synced:        true,
	}
	f.records[r.ID] = &r
	return r, nil
}

func (f *fakeStore) ListUnsynced(_ context.Context, tenantID string) ([]models.ExhibitionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ExhibitionRecord
	for _, r := range f.records {
		if r.TenantID == tenantID && !r.Synced {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EvaluatedAt.Before(*out[j].EvaluatedAt)
	})
	return out, nil
}

func (f *fakeStore) MarkSynced(_ context.Context, id string, evaluatedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	// Same guard as the SQL: a record whose evaluated_at moved on since the
	// snapshot keeps its cleared flag.
	if r, ok := f.records[id]; ok && timestampsEqual(r.EvaluatedAt, evaluatedAt) {
		r.Synced = true
	}
	return nil
}

func timestampsEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (f *fakeStore) CountPending(_ context.Context, tenantID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.records {
		if r.TenantID == tenantID && r.State == models.StatePending {
			n++
		}
	}
	return n, nil
}

// evaluate applies a decision the way the evaluation API does: state change
// plus cleared synced flag.
func (f *fakeStore) evaluate(id, state, evaluator, comment string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.records[id]
	r.State = state
	r.EvaluatorID = &evaluator
	r.EvaluatorComment = &comment
	r.EvaluatedAt = &at
	r.Synced = false
}

func (f *fakeStore) record(id string) models.ExhibitionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.records[id]
}

type sentMessage struct {
	ChatID int64
	Text   string
}

type editedMessage struct {
	ChatID    int64
	MessageID int64
	Text      string
}

// fakeTransport records outbound traffic and serves scripted failures.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []sentMessage
	edits     []editedMessage
	nextMsgID int64

	sendErr  error
	editErrs map[int64]error // keyed by message id
	onEdit   func()          // runs after a successful edit is recorded
	fileData []byte
	fileErr  error
	meErr    error

	updates    [][]telegram.Update
	updatesErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{editErrs: make(map[int64]error)}
}

func (f *fakeTransport) GetMe(context.Context) (telegram.User, error) {
	if f.meErr != nil {
		return telegram.User{}, f.meErr
	}
	return telegram.User{ID: 1, Username: "shelf_bot"}, nil
}

func (f *fakeTransport) GetUpdates(ctx context.Context, _ int64, _ time.Duration) ([]telegram.Update, error) {
	f.mu.Lock()
	if f.updatesErr != nil {
		err := f.updatesErr
		f.mu.Unlock()
		return nil, err
	}
	if len(f.updates) > 0 {
		batch := f.updates[0]
		f.updates = f.updates[1:]
		f.mu.Unlock()
		return batch, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeTransport) SendMessage(_ context.Context, chatID int64, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.nextMsgID++
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text})
	return f.nextMsgID, nil
}

func (f *fakeTransport) EditMessageText(_ context.Context, chatID, messageID int64, text string) error {
	f.mu.Lock()
	if err, ok := f.editErrs[messageID]; ok && err != nil {
		f.mu.Unlock()
		return err
	}
	f.edits = append(f.edits, editedMessage{ChatID: chatID, MessageID: messageID, Text: text})
	hook := f.onEdit
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeTransport) GetFile(context.Context, string) ([]byte, error) {
	if f.fileErr != nil {
		return nil, f.fileErr
	}
	return f.fileData, nil
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeTransport) editedMessages() []editedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]editedMessage(nil), f.edits...)
}

// fakeUploader stores uploads in memory.
type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: make(map[string][]byte)}
}

func (f *fakeUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.objects[key] = body
	return "mem://" + key, nil
}
