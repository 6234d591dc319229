package storage

import "testing"

func TestLocatorForMediaKey(t *testing.T) {
	m := &MinioStore{bucket: "media"}
	key := MediaKey("", "p1", ".mp4")
	if key != "posts/system/p1.mp4" {
		t.Fatalf("unexpected key %q", key)
	}
	if got := m.Locator(key); got != "s3://media/posts/system/p1.mp4" {
		t.Fatalf("unexpected locator %q", got)
	}
}
