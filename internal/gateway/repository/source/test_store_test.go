package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"cmdforge/internal/tester"
	"cmdforge/internal/types"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	disk, err := NewDiskStore(filepath.Join(t.TempDir(), "sources"))
	tester.NoErr(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"disk":   disk,
	}
}

func TestStoresRoundTrip(t *testing.T) {
	src := []byte("print('hello')\n")
	sum := types.Checksum(string(src))
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Get(ctx, sum)
			tester.ErrIs(t, err, ErrNotFound)

			tester.NoErr(t, s.Put(ctx, sum, src))
			tester.NoErr(t, s.Put(ctx, sum, src), "second put is a no-op")
			got, err := s.Get(ctx, sum)
			tester.NoErr(t, err)
			tester.Eq(t, string(got), string(src))
		})
	}
}

func TestStoresRejectForeignContent(t *testing.T) {
	sum := types.Checksum("a")
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			tester.True(t, s.Put(context.Background(), sum, []byte("b")) != nil, "mismatched content accepted")
			tester.True(t, s.Put(context.Background(), "../../etc/passwd", []byte("a")) != nil, "bad key accepted")
			_, err := s.Get(context.Background(), "nothex")
			tester.True(t, err != nil, "bad key accepted on get")
		})
	}
}

func TestDiskStoreLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sources")
	s, err := NewDiskStore(dir)
	tester.NoErr(t, err)
	sum := types.Checksum("echo hi")
	tester.NoErr(t, s.Put(context.Background(), sum, []byte("echo hi")))

	_, err = os.Stat(filepath.Join(s.Dir(), sum[:2], sum))
	tester.NoErr(t, err)
}

func TestS3ConfigCanUse(t *testing.T) {
	tester.False(t, S3Config{Endpoint: "localhost:9000"}.CanUse())
	tester.True(t, S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "c"}.CanUse())

	_, err := NewS3Store(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	tester.True(t, err != nil, "bucket should be required")
	s, err := NewS3Store(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "c"})
	tester.NoErr(t, err)
	tester.Eq(t, s.key(types.Checksum("x")), "sources/"+types.Checksum("x")[:2]+"/"+types.Checksum("x"))
}
