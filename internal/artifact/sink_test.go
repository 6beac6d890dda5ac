package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "camsync/pkg/logx"
)

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"cam-door_1", "cam-door_1"},
		{"../../etc/passwd", "______etc_passwd"},
		{"aa:bb:cc:dd:ee:ff", "aa_bb_cc_dd_ee_ff"},
		{"cam door", "cam_door"},
		{"", "device"},
		{"///", "device"},
		{"日本語", "device"},
	}
	for _, tc := range cases {
		if got := SanitizeName(tc.in); got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSaveImageInSessionDir(t *testing.T) {
	root := t.TempDir()
	s := NewSink(logx.Nop(), root)

	at := time.Date(2026, 3, 14, 15, 9, 26, 0, time.Local)
	dir := s.SessionDir(at)
	if want := filepath.Join(root, "capture_2026-03-14_15-09-26"); dir != want {
		t.Fatalf("SessionDir = %q, want %q", dir, want)
	}
	if err := s.EnsureDir(dir); err != nil {
		t.Fatal(err)
	}

	path, err := s.SaveImage(dir, "cam-a", []byte{0xff, 0xd8, 0xff})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "cam-a.jpg" {
		t.Fatalf("file name = %q", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 3 {
		t.Fatalf("payload length = %d", len(data))
	}
}

func TestSaveImageFallsBackToUncategorized(t *testing.T) {
	root := t.TempDir()
	s := NewSink(logx.Nop(), root)

	path, err := s.SaveImage("", "stray", []byte("jpeg"))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != filepath.Join(root, UncategorizedDir) {
		t.Fatalf("path = %q, want under %s", path, UncategorizedDir)
	}
}

func TestSaveImageSanitizesTraversal(t *testing.T) {
	root := t.TempDir()
	s := NewSink(logx.Nop(), root)

	path, err := s.SaveImage("", "../escape", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || filepath.IsAbs(rel) || rel == ".." || len(rel) >= 2 && rel[:2] == ".." {
		t.Fatalf("image escaped output root: %q", path)
	}
}
