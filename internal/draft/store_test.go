package draft

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/offerdesk/model"
)

func testDraft() Draft {
	return Draft{
		SchemaID: "security-creation",
		FormValues: model.FormValues{
			"securityType":  "DEBT",
			"amountToRaise": 5000000.0,
			"documents":     []string{"prospectus"},
		},
		CurrentStep: 2,
		Timestamp:   time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

// wantDecoded is testDraft after a JSON round trip: lists come back as []any.
func wantDecoded() *Draft {
	d := testDraft()
	d.FormValues["documents"] = []any{"prospectus"}
	return &d
}

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, ttl), mr
}

func TestFormatKey(t *testing.T) {
	got := FormatKey("house-1", "issuer-1", "security-creation")
	want := "draft:house-1:issuer-1:security-creation"
	if got != want {
		t.Errorf("FormatKey() = %q, want %q", got, want)
	}
}

// --- MemoryStore ---

func TestMemoryStore_LoadMissing(t *testing.T) {
	s := NewMemoryStore(0)
	d, found, err := s.Load(context.Background(), "draft:x")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if found || d != nil {
		t.Errorf("Load() = (%v, %v), want (nil, false)", d, found)
	}
}

func TestMemoryStore_SaveLoadDelete(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	key := FormatKey("house-1", "issuer-1", "security-creation")

	if err := s.Save(ctx, key, testDraft()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, found, err := s.Load(ctx, key)
	if err != nil || !found {
		t.Fatalf("Load() = (found %v, err %v), want found", found, err)
	}
	if diff := cmp.Diff(wantDecoded(), got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, found, _ := s.Load(ctx, key); found {
		t.Error("Load() after Delete found = true, want false")
	}
}

func TestMemoryStore_SaveOverwrites(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	first := testDraft()
	second := testDraft()
	second.CurrentStep = 4

	_ = s.Save(ctx, "k", first)
	_ = s.Save(ctx, "k", second)

	got, _, _ := s.Load(ctx, "k")
	if got.CurrentStep != 4 {
		t.Errorf("CurrentStep = %d, want 4", got.CurrentStep)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := NewMemoryStore(time.Millisecond)
	ctx := context.Background()
	_ = s.Save(ctx, "k", testDraft())

	time.Sleep(5 * time.Millisecond)

	if _, found, _ := s.Load(ctx, "k"); found {
		t.Error("Load() after TTL found = true, want false")
	}
}

func TestMemoryStore_DeleteMissing(t *testing.T) {
	if err := NewMemoryStore(0).Delete(context.Background(), "nope"); err != nil {
		t.Errorf("Delete(missing) error = %v, want nil", err)
	}
}

// --- RedisStore ---

func TestRedisStore_SaveLoadDelete(t *testing.T) {
	s, _ := newRedisStore(t, time.Hour)
	ctx := context.Background()

	if err := s.Save(ctx, "draft:a", testDraft()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, found, err := s.Load(ctx, "draft:a")
	if err != nil || !found {
		t.Fatalf("Load() = (found %v, err %v), want found", found, err)
	}
	if diff := cmp.Diff(wantDecoded(), got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}

	if err := s.Delete(ctx, "draft:a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, found, _ := s.Load(ctx, "draft:a"); found {
		t.Error("Load() after Delete found = true, want false")
	}
}

func TestRedisStore_TTL(t *testing.T) {
	s, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()
	_ = s.Save(ctx, "draft:ttl", testDraft())

	if ttl := mr.TTL("draft:ttl"); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}
	mr.FastForward(2 * time.Minute)

	if _, found, _ := s.Load(ctx, "draft:ttl"); found {
		t.Error("Load() after expiry found = true, want false")
	}
}

func TestRedisStore_CorruptPayload(t *testing.T) {
	s, mr := newRedisStore(t, 0)
	_ = mr.Set("draft:bad", "{not json")

	_, found, err := s.Load(context.Background(), "draft:bad")
	if err == nil {
		t.Fatal("Load(corrupt) error = nil, want error")
	}
	if found {
		t.Error("Load(corrupt) found = true, want false")
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := newRedisStore(t, 0)
	mr.Close()

	if err := s.Save(context.Background(), "draft:x", testDraft()); err == nil {
		t.Error("Save() with closed server error = nil, want error")
	}
}

func TestRedisStore_HealthCheck(t *testing.T) {
	s, mr := newRedisStore(t, 0)
	ctx := context.Background()

	if err := s.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	mr.Close()
	if err := s.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() with closed server error = nil, want error")
	}
}
