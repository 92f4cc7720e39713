// Package dataset describes how chunks are composed from image folders.
package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultExtensions are the image file types picked up by ScanImages.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// ImageFolder is a sorted list of image files from one directory.
type ImageFolder struct {
	Root  string
	Paths []string
}

// ScanImages lists the images directly inside root. The result is sorted so
// that splits are reproducible across runs.
func ScanImages(root string, extensions []string) (*ImageFolder, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}

	folder := &ImageFolder{Root: root}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		for _, want := range extensions {
			if ext == want {
				folder.Paths = append(folder.Paths, filepath.Join(root, entry.Name()))
				break
			}
		}
	}
	if len(folder.Paths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	sort.Strings(folder.Paths)
	return folder, nil
}

// Len returns the number of images.
func (f *ImageFolder) Len() int {
	return len(f.Paths)
}

// Split shuffles the paths with seed and returns (train, validation), with
// validationFraction of the images (at least one) in validation.
func (f *ImageFolder) Split(validationFraction float64, seed int64) (*ImageFolder, *ImageFolder, error) {
	if validationFraction <= 0 || validationFraction >= 1 {
		return nil, nil, fmt.Errorf("validation fraction must be in (0, 1), got %v", validationFraction)
	}
	if len(f.Paths) < 2 {
		return nil, nil, fmt.Errorf("%s: need at least 2 images to split, have %d", f.Root, len(f.Paths))
	}

	shuffled := append([]string(nil), f.Paths...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	nVal := int(float64(len(shuffled)) * validationFraction)
	if nVal < 1 {
		nVal = 1
	}
	if nVal >= len(shuffled) {
		nVal = len(shuffled) - 1
	}

	train := &ImageFolder{Root: f.Root, Paths: shuffled[nVal:]}
	validation := &ImageFolder{Root: f.Root, Paths: shuffled[:nVal]}
	return train, validation, nil
}
