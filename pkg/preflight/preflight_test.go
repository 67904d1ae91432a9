package preflight

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckMirrorAccessible(t *testing.T) {
	t.Run("Happy Path - Mirror Exists", func(t *testing.T) {
		if err := CheckMirrorAccessible(t.TempDir()); err != nil {
			t.Errorf("expected no error for existing directory, but got: %v", err)
		}
	})

	t.Run("Happy Path - Mirror Does Not Exist, Parent Exists", func(t *testing.T) {
		mirror := filepath.Join(t.TempDir(), "new_dir")
		if err := CheckMirrorAccessible(mirror); err != nil {
			t.Errorf("expected no error when parent exists, but got: %v", err)
		}
	})

	t.Run("Error - Parent Does Not Exist", func(t *testing.T) {
		mirror := filepath.Join(t.TempDir(), "a", "b")
		err := CheckMirrorAccessible(mirror)
		if err == nil || !strings.Contains(err.Error(), "parent directory do not exist") {
			t.Errorf("expected error about missing parent, but got: %v", err)
		}
	})

	t.Run("Error - Mirror Is a File", func(t *testing.T) {
		mirrorFile := filepath.Join(t.TempDir(), "mirror.txt")
		if err := os.WriteFile(mirrorFile, []byte("i am a file"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
		err := CheckMirrorAccessible(mirrorFile)
		if err == nil || !strings.Contains(err.Error(), "is not a directory") {
			t.Errorf("expected error to be about 'not a directory', but got: %v", err)
		}
	})

	t.Run("Error - Current Directory", func(t *testing.T) {
		if err := CheckMirrorAccessible("."); err == nil {
			t.Error("expected error for '.', but got nil")
		}
	})
}

func TestCheckLocalAccessible(t *testing.T) {
	t.Run("Happy Path - Local is a directory", func(t *testing.T) {
		if err := CheckLocalAccessible(t.TempDir()); err != nil {
			t.Errorf("expected no error for existing directory, but got: %v", err)
		}
	})

	t.Run("Error - Local does not exist", func(t *testing.T) {
		err := CheckLocalAccessible(filepath.Join(t.TempDir(), "nonexistent"))
		if err == nil || !strings.Contains(err.Error(), "does not exist") {
			t.Errorf("expected error about non-existent local root, but got: %v", err)
		}
	})

	t.Run("Error - Local is a file", func(t *testing.T) {
		localFile := filepath.Join(t.TempDir(), "local.txt")
		if err := os.WriteFile(localFile, []byte("i am a file"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
		err := CheckLocalAccessible(localFile)
		if err == nil || !strings.Contains(err.Error(), "is not a directory") {
			t.Errorf("expected error about local root not being a directory, but got: %v", err)
		}
	})
}

func TestCheckRootsNotNested(t *testing.T) {
	base := t.TempDir()
	testCases := []struct {
		name    string
		local   string
		mirror  string
		wantErr bool
	}{
		{"Siblings", filepath.Join(base, "a"), filepath.Join(base, "b"), false},
		{"Prefix but not nested", filepath.Join(base, "docs"), filepath.Join(base, "docs2"), false},
		{"Identical", filepath.Join(base, "a"), filepath.Join(base, "a"), true},
		{"Mirror inside local", filepath.Join(base, "a"), filepath.Join(base, "a", "m"), true},
		{"Local inside mirror", filepath.Join(base, "m", "a"), filepath.Join(base, "m"), true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckRootsNotNested(tc.local, tc.mirror)
			if tc.wantErr != (err != nil) {
				t.Errorf("wantErr=%v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCheckMirrorWritable(t *testing.T) {
	t.Run("Happy Path - Directory is writable", func(t *testing.T) {
		if err := CheckMirrorWritable(t.TempDir()); err != nil {
			t.Errorf("expected no error, but got: %v", err)
		}
	})

	t.Run("Happy Path - Directory is created", func(t *testing.T) {
		mirror := filepath.Join(t.TempDir(), "new")
		if err := CheckMirrorWritable(mirror); err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if info, err := os.Stat(mirror); err != nil || !info.IsDir() {
			t.Errorf("expected mirror directory to be created, stat err: %v", err)
		}
		entries, _ := os.ReadDir(mirror)
		if len(entries) != 0 {
			t.Errorf("expected write probe to be removed, found %d entries", len(entries))
		}
	})

	t.Run("Error - Mirror is a file", func(t *testing.T) {
		mirrorFile := filepath.Join(t.TempDir(), "mirror.txt")
		os.WriteFile(mirrorFile, []byte("i am a file"), 0644)
		err := CheckMirrorWritable(mirrorFile)
		if err == nil || !strings.Contains(err.Error(), "mirror path exists but is not a directory") {
			t.Errorf("expected error about mirror being a file, but got: %v", err)
		}
	})
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()

	if err := CheckFreeSpace(filepath.Join(dir, "not", "yet"), 1); err != nil {
		t.Errorf("expected one byte to fit, got: %v", err)
	}
	if err := CheckFreeSpace(dir, 0); err != nil {
		t.Errorf("expected zero bytes to always fit, got: %v", err)
	}
	err := CheckFreeSpace(dir, 1<<62)
	if !errors.Is(err, ErrInsufficientSpace) {
		t.Errorf("expected ErrInsufficientSpace, got: %v", err)
	}
}

func TestRun(t *testing.T) {
	base := t.TempDir()
	local := filepath.Join(base, "local")
	if err := os.Mkdir(local, 0755); err != nil {
		t.Fatal(err)
	}
	mirror := filepath.Join(base, "mirror")

	if err := Run(ReadOnlyPlan, local, mirror); err != nil {
		t.Fatalf("read-only plan failed: %v", err)
	}
	if _, err := os.Stat(mirror); !os.IsNotExist(err) {
		t.Fatal("read-only plan must not create the mirror")
	}
	if err := Run(SyncPlan, local, mirror); err != nil {
		t.Fatalf("sync plan failed: %v", err)
	}
	if _, err := os.Stat(mirror); err != nil {
		t.Fatalf("sync plan should create the mirror: %v", err)
	}
	if err := Run(SyncPlan, local, filepath.Join(local, "inner")); err == nil {
		t.Fatal("expected nested roots to be rejected")
	}
}
