package natskv

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// validStoredKey mirrors the server-side KV key restriction: no ':' and no
// other characters outside this set are accepted by JetStream KV.
var validStoredKey = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

// fakeBucket is an in-memory stand-in for a JetStream KV bucket. It rejects
// illegal keys the way the real client does, so any unencoded cache key
// reaching it fails the test.
type fakeBucket struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{data: make(map[string][]byte)}
}

func (f *fakeBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	if !validStoredKey.MatchString(key) {
		return nil, jetstream.ErrInvalidKey
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return &fakeEntry{key: key, value: v}, nil
}

func (f *fakeBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	if !validStoredKey.MatchString(key) {
		return 0, jetstream.ErrInvalidKey
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return 1, nil
}

func (f *fakeBucket) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	if !validStoredKey.MatchString(key) {
		return jetstream.ErrInvalidKey
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeBucket) Purge(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	return f.Delete(context.Background(), key)
}

func (f *fakeBucket) ListKeys(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyLister, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan string, len(f.data))
	for key := range f.data {
		ch <- key
	}
	close(ch)
	return &fakeLister{ch: ch}, nil
}

type fakeEntry struct {
	key   string
	value []byte
}

func (e *fakeEntry) Bucket() string                  { return "test" }
func (e *fakeEntry) Key() string                     { return e.key }
func (e *fakeEntry) Value() []byte                   { return e.value }
func (e *fakeEntry) Revision() uint64                { return 1 }
func (e *fakeEntry) Created() time.Time              { return time.Time{} }
func (e *fakeEntry) Delta() uint64                   { return 0 }
func (e *fakeEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

type fakeLister struct {
	ch chan string
}

func (l *fakeLister) Keys() <-chan string { return l.ch }
func (l *fakeLister) Stop() error         { return nil }

func TestColonKeysRoundTrip(t *testing.T) {
	c := New(newFakeBucket())
	ctx := context.Background()

	// The facade derives "op:<hash>" keys and documents cache as "doc:<key>";
	// both contain ':' which raw KV rejects.
	keys := []string{
		"search:9c56cc51b374c3ba189210d5b6d4bf57790d351c96c47c02190ecf1e430635ab",
		"doc:notes/design",
	}
	for _, key := range keys {
		if err := c.Set(ctx, key, []byte("v"), 0); err != nil {
			t.Fatalf("set %q: %v", key, err)
		}
		val, found, err := c.Get(ctx, key)
		if err != nil {
			t.Fatalf("get %q: %v", key, err)
		}
		if !found || string(val) != "v" {
			t.Fatalf("get %q: found=%v val=%q", key, found, val)
		}
	}
}

func TestCleanMissIsNotError(t *testing.T) {
	c := New(newFakeBucket())

	_, found, err := c.Get(context.Background(), "search:absent")
	if err != nil {
		t.Fatalf("miss must not error: %v", err)
	}
	if found {
		t.Fatal("expected miss")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	c := New(newFakeBucket())
	ctx := context.Background()

	_ = c.Set(ctx, "doc:a", []byte("1"), 0)
	if err := c.Delete(ctx, "doc:a"); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, "doc:a"); err != nil {
		t.Fatal("delete of absent key must not error:", err)
	}
	if _, found, _ := c.Get(ctx, "doc:a"); found {
		t.Fatal("expected miss after delete")
	}
}

func TestOverwrite(t *testing.T) {
	c := New(newFakeBucket())
	ctx := context.Background()

	_ = c.Set(ctx, "doc:a", []byte("v1"), 0)
	_ = c.Set(ctx, "doc:a", []byte("v2"), 0)
	val, found, err := c.Get(ctx, "doc:a")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(val) != "v2" {
		t.Fatalf("expected v2, got %s", val)
	}
}

func TestDeleteWhereMatchesDecodedKeys(t *testing.T) {
	fb := newFakeBucket()
	c := New(fb)
	ctx := context.Background()

	_ = c.Set(ctx, "search:a", []byte("1"), 0)
	_ = c.Set(ctx, "search:b", []byte("2"), 0)
	_ = c.Set(ctx, "doc:c", []byte("3"), 0)
	// A key written by another consumer of the bucket: legal for KV but not
	// base64url, so it is not ours to remove.
	fb.data["foreign.key"] = []byte("x")

	n, err := c.DeleteWhere(ctx, "search:")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if _, found, _ := c.Get(ctx, "doc:c"); !found {
		t.Fatal("unmatched key must survive")
	}
	if _, ok := fb.data["foreign.key"]; !ok {
		t.Fatal("foreign key must survive")
	}
}

func TestClearLeavesForeignKeys(t *testing.T) {
	fb := newFakeBucket()
	c := New(fb)
	ctx := context.Background()

	_ = c.Set(ctx, "search:a", []byte("1"), 0)
	_ = c.Set(ctx, "doc:b", []byte("2"), 0)
	fb.data["foreign.key"] = []byte("x")

	if err := c.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := c.Get(ctx, "search:a"); found {
		t.Fatal("expected empty tier after clear")
	}
	if _, ok := fb.data["foreign.key"]; !ok {
		t.Fatal("foreign key must survive clear")
	}
}
