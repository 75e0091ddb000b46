package training

import (
	"fmt"

	"github.com/tsawler/go-sisdr/tensor"
)

// SubsetDataset exposes a contiguous window of an underlying dataset.
type SubsetDataset struct {
	originalDataset Dataset
	offset          int
	limit           int
}

// NewSubsetDataset wraps the limit examples of original starting at offset.
// A window running past the end is shortened.
func NewSubsetDataset(original Dataset, offset, limit int) (*SubsetDataset, error) {
	if offset < 0 || limit < 0 {
		return nil, fmt.Errorf("subset offset and limit cannot be negative, got %d and %d", offset, limit)
	}
	if offset > original.Len() {
		return nil, fmt.Errorf("subset offset %d beyond dataset of %d examples", offset, original.Len())
	}
	if offset+limit > original.Len() {
		limit = original.Len() - offset
	}
	return &SubsetDataset{
		originalDataset: original,
		offset:          offset,
		limit:           limit,
	}, nil
}

// Len returns the number of examples in the window.
func (sd *SubsetDataset) Len() int {
	return sd.limit
}

// Get returns example idx of the window.
func (sd *SubsetDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= sd.limit {
		return nil, nil, fmt.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.originalDataset.Get(sd.offset + idx)
}
