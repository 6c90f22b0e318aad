// Package memremote is an in-memory remote backend with failure injection.
// The daemon uses it for the "memory" driver and tests use it as a fake.
package memremote

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/matheus3301/courier/internal/remote"
)

// Operation names accepted by FailNext and reported by Calls.
const (
	OpPing         = "ping"
	OpCreate       = "create"
	OpReadBy       = "read_by"
	OpEdit         = "edit"
	OpDelete       = "delete"
	OpListChats    = "list_chats"
	OpListMessages = "list_messages"
	OpDeleteBlob   = "delete_blob"
)

// Call records one invocation of the backend.
type Call struct {
	Op     string
	ChatID string
	MsgID  string
	Arg    string
	Err    error
}

// Remote implements remote.Store and remote.Blobs in memory.
type Remote struct {
	mu       sync.Mutex
	chats    map[string]remote.Chat
	messages map[string]remote.Message
	blobs    map[string][]byte
	failures map[string][]error
	offline  bool
	calls    []Call
}

// New returns an empty backend.
func New() *Remote {
	return &Remote{
		chats:    make(map[string]remote.Chat),
		messages: make(map[string]remote.Message),
		blobs:    make(map[string][]byte),
		failures: make(map[string][]error),
	}
}

// PutChat creates or replaces a chat.
func (r *Remote) PutChat(c remote.Chat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Members = slices.Clone(c.Members)
	r.chats[c.ID] = c
}

// RemoveChat drops a chat; its messages stay.
func (r *Remote) RemoveChat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chats, id)
}

// PutMessage creates or replaces a message without going through CreateMessage.
func (r *Remote) PutMessage(m remote.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.ReadBy = slices.Clone(m.ReadBy)
	r.messages[m.ID] = m
}

// PutBlob stores media under ref.
func (r *Remote) PutBlob(ref string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[ref] = data
}

// Message returns a copy of a stored message.
func (r *Remote) Message(id string) (remote.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	m.ReadBy = slices.Clone(m.ReadBy)
	return m, ok
}

// HasBlob reports whether ref is stored.
func (r *Remote) HasBlob(ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blobs[ref]
	return ok
}

// SetOffline makes every call fail with remote.ErrTransient while on.
func (r *Remote) SetOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
}

// FailNext queues errors returned by the next calls of op, one per call.
func (r *Remote) FailNext(op string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = append(r.failures[op], errs...)
}

// Calls returns every call made so far.
func (r *Remote) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// CallsOf returns the calls made for op.
func (r *Remote) CallsOf(op string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// begin records the call and returns the injected failure, if any. r.mu
// must be held.
func (r *Remote) begin(ctx context.Context, c Call) error {
	err := ctx.Err()
	if err == nil && r.offline {
		err = fmt.Errorf("%s: %w", c.Op, remote.ErrTransient)
	}
	if err == nil {
		if q := r.failures[c.Op]; len(q) > 0 {
			err, r.failures[c.Op] = q[0], q[1:]
		}
	}
	c.Err = err
	r.calls = append(r.calls, c)
	return err
}

func (r *Remote) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.begin(ctx, Call{Op: OpPing})
}

func (r *Remote) CreateMessage(ctx context.Context, m remote.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(ctx, Call{Op: OpCreate, ChatID: m.ChatID, MsgID: m.ID, Arg: m.Body}); err != nil {
		return err
	}
	if _, ok := r.chats[m.ChatID]; !ok {
		return fmt.Errorf("chat %s: %w", m.ChatID, remote.ErrRejected)
	}
	if _, ok := r.messages[m.ID]; ok {
		return fmt.Errorf("create message %s: %w", m.ID, remote.ErrConflict)
	}
	m.ReadBy = slices.Clone(m.ReadBy)
	r.messages[m.ID] = m
	return nil
}

func (r *Remote) AppendReadBy(ctx context.Context, chatID, msgID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(ctx, Call{Op: OpReadBy, ChatID: chatID, MsgID: msgID, Arg: userID}); err != nil {
		return err
	}
	m, ok := r.messages[msgID]
	if !ok || m.ChatID != chatID {
		return fmt.Errorf("append read_by %s: %w", msgID, remote.ErrRejected)
	}
	if !slices.Contains(m.ReadBy, userID) {
		m.ReadBy = append(m.ReadBy, userID)
		r.messages[msgID] = m
	}
	return nil
}

func (r *Remote) EditMessage(ctx context.Context, chatID, msgID, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(ctx, Call{Op: OpEdit, ChatID: chatID, MsgID: msgID, Arg: body}); err != nil {
		return err
	}
	m, ok := r.messages[msgID]
	if !ok || m.ChatID != chatID {
		return fmt.Errorf("edit message %s: %w", msgID, remote.ErrRejected)
	}
	m.Body = body
	r.messages[msgID] = m
	return nil
}

func (r *Remote) DeleteMessage(ctx context.Context, chatID, msgID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(ctx, Call{Op: OpDelete, ChatID: chatID, MsgID: msgID}); err != nil {
		return err
	}
	if m, ok := r.messages[msgID]; ok && m.ChatID == chatID {
		delete(r.messages, msgID)
	}
	return nil
}

func (r *Remote) ListChats(ctx context.Context) ([]remote.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(ctx, Call{Op: OpListChats}); err != nil {
		return nil, err
	}
	out := make([]remote.Chat, 0, len(r.chats))
	for _, c := range r.chats {
		c.Members = slices.Clone(c.Members)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Remote) ListMessages(ctx context.Context, chatID string) ([]remote.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(ctx, Call{Op: OpListMessages, ChatID: chatID}); err != nil {
		return nil, err
	}
	var out []remote.Message
	for _, m := range r.messages {
		if m.ChatID == chatID {
			m.ReadBy = slices.Clone(m.ReadBy)
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Remote) DeleteBlob(ctx context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(ctx, Call{Op: OpDeleteBlob, Arg: ref}); err != nil {
		return err
	}
	delete(r.blobs, ref)
	return nil
}

var (
	_ remote.Store = (*Remote)(nil)
	_ remote.Blobs = (*Remote)(nil)
)
