package memremote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/courier/internal/remote"
)

func TestCreateIsIdempotent(t *testing.T) {
	r := New()
	ctx := context.Background()
	r.PutChat(remote.Chat{ID: "c1", Members: []string{"a", "b"}})

	m := remote.Message{ID: "m1", ChatID: "c1", Body: "hi", CreatedAt: time.Now()}
	if err := r.CreateMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	err := r.CreateMessage(ctx, m)
	if remote.Classify(err) != remote.KindConflict {
		t.Errorf("second create = %v, want conflict", err)
	}

	err = r.CreateMessage(ctx, remote.Message{ID: "m2", ChatID: "gone"})
	if !errors.Is(err, remote.ErrRejected) {
		t.Errorf("create in missing chat = %v, want ErrRejected", err)
	}
}

func TestReadByOnlyGrows(t *testing.T) {
	r := New()
	ctx := context.Background()
	r.PutMessage(remote.Message{ID: "m1", ChatID: "c1", ReadBy: []string{"a"}})

	for _, uid := range []string{"b", "a", "b"} {
		if err := r.AppendReadBy(ctx, "c1", "m1", uid); err != nil {
			t.Fatal(err)
		}
	}
	m, _ := r.Message("m1")
	if len(m.ReadBy) != 2 {
		t.Errorf("readBy = %v, want [a b]", m.ReadBy)
	}
	if err := r.AppendReadBy(ctx, "c1", "missing", "a"); !errors.Is(err, remote.ErrRejected) {
		t.Errorf("read of missing message = %v, want ErrRejected", err)
	}
}

func TestFailureInjection(t *testing.T) {
	r := New()
	ctx := context.Background()

	r.FailNext(OpPing, remote.ErrTransient)
	if err := r.Ping(ctx); !errors.Is(err, remote.ErrTransient) {
		t.Errorf("first ping = %v, want injected failure", err)
	}
	if err := r.Ping(ctx); err != nil {
		t.Errorf("second ping = %v, want nil", err)
	}

	r.SetOffline(true)
	if _, err := r.ListChats(ctx); remote.Classify(err) != remote.KindTransient {
		t.Errorf("offline list = %v, want transient", err)
	}
	r.SetOffline(false)

	if n := len(r.CallsOf(OpPing)); n != 2 {
		t.Errorf("ping calls = %d, want 2", n)
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	r := New()
	ctx := context.Background()
	if err := r.DeleteMessage(ctx, "c1", "nope"); err != nil {
		t.Errorf("DeleteMessage(missing) = %v", err)
	}
	if err := r.DeleteBlob(ctx, "gridfs://x"); err != nil {
		t.Errorf("DeleteBlob(missing) = %v", err)
	}
}
