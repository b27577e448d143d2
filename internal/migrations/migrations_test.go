package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrationsEmbedded(t *testing.T) {
	data, err := Files.ReadFile("001_init.sql")
	if err != nil {
		t.Fatalf("expected embedded migration, got error: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("embedded migration is empty")
	}
}

func TestMigrationsStartWithComment(t *testing.T) {
	entries, err := fs.ReadDir(Files, ".")
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		data, err := Files.ReadFile(entry.Name())
		if err != nil {
			t.Fatalf("read %s: %v", entry.Name(), err)
		}
		if !strings.HasPrefix(string(data), "-- ") {
			t.Errorf("%s should open with a descriptive comment", entry.Name())
		}
	}
}
