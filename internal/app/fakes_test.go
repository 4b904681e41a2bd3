package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"guardbot/internal/storage"
	"guardbot/internal/transport"
)

type sentMessage struct {
	to   transport.ChatTarget
	text string
	opt  *transport.SendOptions
}

type fakeAdapter struct {
	mu      sync.Mutex
	nextID  int
	sent    []sentMessage
	edits   map[int]string
	answers map[string]string
	editErr error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{edits: map[int]string{}, answers: map[string]string{}}
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Callback) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                            { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentMessage{to: to, text: text, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, ref transport.MessageRef, text string, _ *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits[ref.MessageID] = text
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[id] = text
	return nil
}

func (f *fakeAdapter) answer(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.answers[id]
	return v, ok
}

func (f *fakeAdapter) lastSent() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeAdapter) edit(id int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.edits[id]
}

type fakeStore struct {
	mu       sync.Mutex
	failures []storage.TaskFailure
	expired  []storage.ExpiredEntry
	cutoff   time.Time
}

func (s *fakeStore) RecordFailure(_ context.Context, f storage.TaskFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
	return nil
}

func (s *fakeStore) RecordExpiry(_ context.Context, e storage.ExpiredEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = append(s.expired, e)
	return nil
}

func (s *fakeStore) RecentFailures(context.Context, int) ([]storage.TaskFailure, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoff = cutoff
	return 4, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failures), len(s.expired)
}
