package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/JonMunkholm/stockimport/internal/core"
)

func TestLocal_RoundTrip(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}

	key := core.ObjectKey("tenant-a", "job-1", "products.csv")
	if err := l.Put(ctx, key, strings.NewReader("sku,name\n"), 9, "text/csv"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	rc, err := l.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	b, _ := io.ReadAll(rc)
	rc.Close()
	if string(b) != "sku,name\n" {
		t.Errorf("content = %q", b)
	}

	if err := l.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := l.Open(ctx, key); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Open() after Delete error = %v, want ErrNotFound", err)
	}
	if err := l.Delete(ctx, key); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestLocal_RejectsEscapingKeys(t *testing.T) {
	l := &Local{Root: t.TempDir()}
	for _, key := range []string{"", "../outside", "a/../../outside", "/etc/passwd"} {
		if err := l.Put(context.Background(), key, strings.NewReader("x"), 1, ""); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestLocal_PutCancelled(t *testing.T) {
	root := t.TempDir()
	l := &Local{Root: root}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := l.Put(ctx, "t/j/f.csv", strings.NewReader("data"), 4, ""); !errors.Is(err, context.Canceled) {
		t.Errorf("Put() error = %v, want context.Canceled", err)
	}
	entries, _ := os.ReadDir(filepath.Join(root, "t", "j"))
	if len(entries) != 0 {
		t.Errorf("partial files left behind: %v", entries)
	}
}
