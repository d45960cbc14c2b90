package dataset

import (
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultExtensions are the image formats the preprocessing package decodes.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg"}

// ImageFolder is an unlabeled list of image files. Subdirectories are walked
// recursively; class folders are allowed but their names carry no meaning.
type ImageFolder struct {
	root       string
	imagePaths []string
}

// NewImageFolder collects every file under root whose extension matches one
// of extensions (case-insensitive), in lexical order.
func NewImageFolder(root string, extensions []string) (*ImageFolder, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	d := &ImageFolder{root: root}
	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if slices.Contains(extensions, strings.ToLower(filepath.Ext(path))) {
			d.imagePaths = append(d.imagePaths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	if len(d.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	return d, nil
}

// FromPaths wraps an explicit list of files.
func FromPaths(paths []string) *ImageFolder {
	return &ImageFolder{imagePaths: slices.Clone(paths)}
}

// Len returns the number of items in the dataset
func (d *ImageFolder) Len() int {
	return len(d.imagePaths)
}

// Path returns the image path at the given index
func (d *ImageFolder) Path(index int) (string, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], nil
}

func (d *ImageFolder) Paths() []string {
	return slices.Clone(d.imagePaths)
}

// Split partitions the dataset, taking the first trainRatio share as the
// training set. A non-nil src shuffles the order first.
func (d *ImageFolder) Split(trainRatio float64, src rand.Source) (*ImageFolder, *ImageFolder, error) {
	if trainRatio < 0 || trainRatio > 1 {
		return nil, nil, fmt.Errorf("train ratio %g outside [0, 1]", trainRatio)
	}

	n := len(d.imagePaths)
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if src != nil {
		rand.New(src).Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	trainSize := int(float64(n) * trainRatio)
	train, err := d.Subset(indices[:trainSize])
	if err != nil {
		return nil, nil, err
	}
	val, err := d.Subset(indices[trainSize:])
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageFolder) Subset(indices []int) (*ImageFolder, error) {
	subset := &ImageFolder{root: d.root, imagePaths: make([]string, len(indices))}
	for i, idx := range indices {
		path, err := d.Path(idx)
		if err != nil {
			return nil, err
		}
		subset.imagePaths[i] = path
	}
	return subset, nil
}

func (d *ImageFolder) String() string {
	if d.root == "" {
		return fmt.Sprintf("ImageFolder: %d images", len(d.imagePaths))
	}
	return fmt.Sprintf("ImageFolder: %d images under %s", len(d.imagePaths), d.root)
}
