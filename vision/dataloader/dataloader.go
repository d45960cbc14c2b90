package dataloader

import (
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/tsawler/go-vae/tensor"
	"github.com/tsawler/go-vae/vision/preprocessing"
)

// Dataset is an indexed list of image files.
type Dataset interface {
	Len() int
	Path(index int) (string, error)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize int
	Shuffle   bool
	// Seed fixes the shuffle order when non-zero.
	Seed uint64

	MaxCacheSize int // images; 0 means one per dataset item
	NumWorkers   int
	Cache        *CacheManager // optional, shared with other loaders
}

// Batch is one [N, C, H, W] image tensor and the files it came from.
type Batch struct {
	Images *tensor.Tensor
	Paths  []string
}

// DataLoader walks a dataset in batches. Cache misses are decoded and
// normalized concurrently by the ImageProcessor.
type DataLoader struct {
	dataset   Dataset
	processor *preprocessing.ImageProcessor
	batchSize int
	workers   int

	mu       sync.Mutex
	shuffle  bool
	rng      *rand.Rand
	indices  []int
	position int

	cache *CacheManager
}

func NewDataLoader(dataset Dataset, processor *preprocessing.ImageProcessor, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}

	cache := config.Cache
	if cache == nil {
		size := config.MaxCacheSize
		if size <= 0 {
			size = max(dataset.Len(), 1)
		}
		var err error
		if cache, err = NewCacheManager(size); err != nil {
			return nil, err
		}
	}

	dl := &DataLoader{
		dataset:   dataset,
		processor: processor,
		batchSize: config.BatchSize,
		workers:   config.NumWorkers,
		shuffle:   config.Shuffle,
		indices:   make([]int, dataset.Len()),
		cache:     cache,
	}
	if config.Shuffle {
		var src rand.Source
		if config.Seed != 0 {
			src = rand.NewPCG(config.Seed, config.Seed)
		} else {
			src = rand.NewPCG(rand.Uint64(), rand.Uint64())
		}
		dl.rng = rand.New(src)
	}
	for i := range dl.indices {
		dl.indices[i] = i
	}
	dl.shuffleLocked()
	return dl, nil
}

func (dl *DataLoader) shuffleLocked() {
	if !dl.shuffle {
		return
	}
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Reset rewinds to the first batch, reshuffling if enabled.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	dl.shuffleLocked()
}

// NextBatch loads the next batch. The last batch may be short; after it
// NextBatch returns io.EOF. Any unreadable image fails the whole batch.
func (dl *DataLoader) NextBatch() (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		return nil, io.EOF
	}
	n := min(dl.batchSize, remaining)

	paths := make([]string, n)
	for i, idx := range dl.indices[dl.position : dl.position+n] {
		path, err := dl.dataset.Path(idx)
		if err != nil {
			return nil, err
		}
		paths[i] = path
	}

	size, channels := dl.processor.TargetSize(), dl.processor.Channels()
	images := make([]*preprocessing.ProcessedImage, n)
	var missing []int
	for i, path := range paths {
		if data, ok := dl.cache.Get(path); ok {
			images[i] = &preprocessing.ProcessedImage{Data: data, Width: size, Height: size, Channels: channels}
			continue
		}
		missing = append(missing, i)
	}

	if len(missing) > 0 {
		missPaths := make([]string, len(missing))
		for j, i := range missing {
			missPaths[j] = paths[i]
		}
		loaded, err := dl.processor.PreprocessBatch(missPaths, dl.workers)
		if err != nil {
			return nil, err
		}
		for j, i := range missing {
			images[i] = loaded[j]
			dl.cache.Put(paths[i], loaded[j].Data)
		}
	}
	dl.position += n

	stacked, err := preprocessing.Stack(images)
	if err != nil {
		return nil, err
	}
	return &Batch{Images: stacked, Paths: paths}, nil
}

// Progress returns the current progress through the dataset
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// NumBatches is the number of batches per pass.
func (dl *DataLoader) NumBatches() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

func (dl *DataLoader) Stats() string {
	return dl.cache.Stats().String()
}

// Cache returns the cache so another loader can share it.
func (dl *DataLoader) Cache() *CacheManager {
	return dl.cache
}
