package dataloader

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/tsawler/go-vae/vision/dataset"
	"github.com/tsawler/go-vae/vision/preprocessing"
)

// createImageDataset writes n solid gray PNGs; image i has level i*20.
func createImageDataset(t *testing.T, n int) *dataset.ImageFolder {
	t.Helper()
	root := t.TempDir()
	for i := range n {
		img := image.NewGray(image.Rect(0, 0, 6, 6))
		for y := range 6 {
			for x := range 6 {
				img.SetGray(x, y, color.Gray{Y: uint8(i * 20)})
			}
		}
		f, err := os.Create(filepath.Join(root, fmt.Sprintf("img_%02d.png", i)))
		if err != nil {
			t.Fatalf("Failed to create image: %v", err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatalf("Failed to encode image: %v", err)
		}
		f.Close()
	}

	ds, err := dataset.NewImageFolder(root, nil)
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	return ds
}

func newProcessor(t *testing.T) *preprocessing.ImageProcessor {
	t.Helper()
	p, err := preprocessing.NewImageProcessor(4, 1)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}
	return p
}

func drain(t *testing.T, dl *DataLoader) []*Batch {
	t.Helper()
	var batches []*Batch
	for {
		b, err := dl.NextBatch()
		if errors.Is(err, io.EOF) {
			return batches
		}
		if err != nil {
			t.Fatalf("NextBatch failed: %v", err)
		}
		batches = append(batches, b)
	}
}

func TestDataLoaderBatches(t *testing.T) {
	ds := createImageDataset(t, 5)
	dl, err := NewDataLoader(ds, newProcessor(t), Config{BatchSize: 2, NumWorkers: 3})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if dl.NumBatches() != 3 {
		t.Errorf("Expected 3 batches, got %d", dl.NumBatches())
	}

	batches := drain(t, dl)
	if len(batches) != 3 {
		t.Fatalf("Expected 3 batches, got %d", len(batches))
	}
	wantShapes := [][]int{{2, 1, 4, 4}, {2, 1, 4, 4}, {1, 1, 4, 4}}
	var paths []string
	for i, b := range batches {
		if !slices.Equal(b.Images.Shape, wantShapes[i]) {
			t.Errorf("Batch %d: expected shape %v, got %v", i, wantShapes[i], b.Images.Shape)
		}
		paths = append(paths, b.Paths...)
	}
	if !slices.Equal(paths, ds.Paths()) {
		t.Errorf("Unshuffled loader should keep dataset order: %v", paths)
	}

	// image 0 is black, which normalizes to -1
	if v := batches[0].Images.Data[0]; v > -0.99 {
		t.Errorf("Expected -1 for a black pixel, got %f", v)
	}

	if cur, total := dl.Progress(); cur != 5 || total != 5 {
		t.Errorf("Expected progress 5/5, got %d/%d", cur, total)
	}
}

func TestDataLoaderCachesAcrossEpochs(t *testing.T) {
	ds := createImageDataset(t, 4)
	dl, err := NewDataLoader(ds, newProcessor(t), Config{BatchSize: 4})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	first := drain(t, dl)
	dl.Reset()
	second := drain(t, dl)

	if !first[0].Images.Equal(second[0].Images) {
		t.Error("Cached epoch should produce identical data")
	}
	stats := dl.Cache().Stats()
	if stats.Hits != 4 || stats.Misses != 4 {
		t.Errorf("Expected 4 hits and 4 misses, got %s", dl.Stats())
	}
}

func TestDataLoaderShuffle(t *testing.T) {
	ds := createImageDataset(t, 8)
	order := func(seed uint64) []string {
		dl, err := NewDataLoader(ds, newProcessor(t), Config{BatchSize: 3, Shuffle: true, Seed: seed})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		var paths []string
		for _, b := range drain(t, dl) {
			paths = append(paths, b.Paths...)
		}
		return paths
	}

	a, b := order(5), order(5)
	if !slices.Equal(a, b) {
		t.Error("Same seed should give the same order")
	}
	sorted := slices.Clone(a)
	slices.Sort(sorted)
	if !slices.Equal(sorted, ds.Paths()) {
		t.Errorf("Shuffle must visit every image once: %v", a)
	}
}

func TestDataLoaderSharedCache(t *testing.T) {
	ds := createImageDataset(t, 3)
	p := newProcessor(t)

	first, err := NewDataLoader(ds, p, Config{BatchSize: 3})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	drain(t, first)

	second, err := NewDataLoader(ds, p, Config{BatchSize: 3, Cache: first.Cache()})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	drain(t, second)

	if hits := first.Cache().Stats().Hits; hits != 3 {
		t.Errorf("Expected the second loader to hit the shared cache 3 times, got %d", hits)
	}
}

func TestDataLoaderErrors(t *testing.T) {
	p := newProcessor(t)

	if _, err := NewDataLoader(dataset.FromPaths([]string{"a.png"}), p, Config{}); err == nil {
		t.Error("Expected error for zero batch size")
	}

	dl, err := NewDataLoader(dataset.FromPaths([]string{filepath.Join(t.TempDir(), "missing.png")}), p, Config{BatchSize: 1})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := dl.NextBatch(); err == nil || errors.Is(err, io.EOF) {
		t.Errorf("Expected a load error, got %v", err)
	}
}
