package memory

import (
	"context"
	"testing"
	"time"

	"github.com/voicehub/smarthome-oauth/instrumentation"
	"github.com/voicehub/smarthome-oauth/storage"
	"github.com/voicehub/smarthome-oauth/storage/storagetest"
)

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		s := New()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStore_WithInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	s := New()
	s.SetInstrumentation(inst)
	s.SetLogger(nil) // keeps the default

	ctx := context.Background()
	if err := s.SaveClient(ctx, storagetest.NewClient("c1")); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if _, err := s.GetClient(ctx, "missing"); err == nil {
		t.Error("GetClient() for unknown id should return error")
	}
}

func TestStore_RejectsEmptyKeys(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.SaveClient(ctx, &storage.Client{}); err == nil {
		t.Error("SaveClient() without id should return error")
	}
	if err := s.SaveGrant(ctx, &storage.Grant{}); err == nil {
		t.Error("SaveGrant() without code hash should return error")
	}
	if err := s.SaveToken(ctx, &storage.Token{}); err == nil {
		t.Error("SaveToken() without hash should return error")
	}
}

func TestStore_GrantCopiesAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	g := storagetest.NewGrant("h", now, time.Minute)
	if err := s.SaveGrant(ctx, g); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}
	g.Used = true

	got, err := s.GetGrant(ctx, "h")
	if err != nil {
		t.Fatalf("GetGrant() error = %v", err)
	}
	if got.Used {
		t.Error("mutating the saved grant must not affect the store")
	}
}
