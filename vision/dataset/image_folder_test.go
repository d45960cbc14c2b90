package dataset

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/tsawler/go-vae/tensor"
)

// createTestDataset lays out files under a temporary root. Only the
// extension matters to ImageFolder, so the contents are placeholders.
func createTestDataset(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, name := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("Failed to create directory for %s: %v", name, err)
		}
		if err := os.WriteFile(path, []byte("mock image content"), 0o644); err != nil {
			t.Fatalf("Failed to create mock image %s: %v", name, err)
		}
	}
	return root
}

func TestNewImageFolder(t *testing.T) {
	t.Run("RecursiveAndSorted", func(t *testing.T) {
		root := createTestDataset(t, "b.png", "cats/c.JPG", "a.jpeg", "notes.txt", "dogs/d.png")

		d, err := NewImageFolder(root, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if d.Len() != 4 {
			t.Fatalf("Expected 4 images, got %d", d.Len())
		}

		var got []string
		for _, p := range d.Paths() {
			rel, _ := filepath.Rel(root, p)
			got = append(got, filepath.ToSlash(rel))
		}
		want := []string{"a.jpeg", "b.png", "cats/c.JPG", "dogs/d.png"}
		if !slices.Equal(got, want) {
			t.Errorf("Expected %v, got %v", want, got)
		}
	})

	t.Run("CustomExtensions", func(t *testing.T) {
		root := createTestDataset(t, "a.png", "b.bmp")
		d, err := NewImageFolder(root, []string{".bmp"})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if d.Len() != 1 {
			t.Errorf("Expected 1 image, got %d", d.Len())
		}
	})

	t.Run("Empty", func(t *testing.T) {
		root := createTestDataset(t, "readme.md")
		if _, err := NewImageFolder(root, nil); err == nil {
			t.Error("Expected error for a directory without images")
		}
	})

	t.Run("NotADirectory", func(t *testing.T) {
		root := createTestDataset(t, "a.png")
		if _, err := NewImageFolder(filepath.Join(root, "a.png"), nil); err == nil {
			t.Error("Expected error for a file root")
		}
		if _, err := NewImageFolder(filepath.Join(root, "missing"), nil); err == nil {
			t.Error("Expected error for a missing root")
		}
	})
}

func TestImageFolderPath(t *testing.T) {
	d := FromPaths([]string{"x.png", "y.png"})

	p, err := d.Path(1)
	if err != nil || p != "y.png" {
		t.Errorf("Expected y.png, got %q (%v)", p, err)
	}
	for _, idx := range []int{-1, 2} {
		if _, err := d.Path(idx); err == nil {
			t.Errorf("Expected error for index %d", idx)
		}
	}
}

func TestImageFolderSplit(t *testing.T) {
	paths := []string{"0.png", "1.png", "2.png", "3.png", "4.png", "5.png", "6.png", "7.png", "8.png", "9.png"}
	d := FromPaths(paths)

	t.Run("Ordered", func(t *testing.T) {
		train, val, err := d.Split(0.8, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !slices.Equal(train.Paths(), paths[:8]) || !slices.Equal(val.Paths(), paths[8:]) {
			t.Errorf("Unexpected split %v / %v", train.Paths(), val.Paths())
		}
	})

	t.Run("ShuffledIsPartition", func(t *testing.T) {
		train, val, err := d.Split(0.5, tensor.NewLockedSource(3))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		all := append(train.Paths(), val.Paths()...)
		slices.Sort(all)
		if !slices.Equal(all, paths) {
			t.Errorf("Split lost or duplicated items: %v", all)
		}

		again, _, _ := d.Split(0.5, tensor.NewLockedSource(3))
		if !slices.Equal(train.Paths(), again.Paths()) {
			t.Error("Same seed should give the same split")
		}
	})

	t.Run("InvalidRatio", func(t *testing.T) {
		if _, _, err := d.Split(1.5, nil); err == nil {
			t.Error("Expected error for ratio > 1")
		}
	})
}

func TestImageFolderSubset(t *testing.T) {
	d := FromPaths([]string{"a.png", "b.png", "c.png"})

	sub, err := d.Subset([]int{2, 0})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !slices.Equal(sub.Paths(), []string{"c.png", "a.png"}) {
		t.Errorf("Unexpected subset %v", sub.Paths())
	}

	if _, err := d.Subset([]int{3}); err == nil {
		t.Error("Expected error for out of range index")
	}
}
