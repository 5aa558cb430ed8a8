// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package records

import (
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// DefaultShuffleBuffer is the size of the shuffle buffer used by NewTrainDataset.
const DefaultShuffleBuffer = 10000

// Dataset implements train.Dataset over a list of records, yielding one example at a time: the
// low-resolution image as input and the high-resolution image as label, each shaped `[size, size, 3]`.
//
// The records are repeated for a number of epochs, and optionally shuffled through a buffer: the next example is
// drawn at random from the buffer, which is refilled from the repeated stream.
// Use Batch to group the examples in batches.
type Dataset struct {
	name    string
	records []Record

	epochs     int
	bufferSize int
	seed       uint64

	mu     sync.Mutex
	rng    *rand.Rand
	pos    int // Position in the repeated stream of records.
	buffer []int
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset that yields each of the records once, in order.
func NewDataset(name string, records []Record) *Dataset {
	ds := &Dataset{
		name:    name,
		records: records,
		epochs:  1,
	}
	ds.Reset()
	return ds
}

// Repeat the records for the given number of epochs. If epochs <= 0, the dataset loops indefinitely.
//
// It returns the Dataset, to allow cascaded method calls.
func (ds *Dataset) Repeat(epochs int) *Dataset {
	ds.epochs = epochs
	ds.Reset()
	return ds
}

// Shuffle the stream of records through a buffer of bufferSize examples, using the given seed.
// If bufferSize >= the total number of examples, it is a full shuffle of the stream.
//
// It returns the Dataset, to allow cascaded method calls.
func (ds *Dataset) Shuffle(bufferSize int, seed uint64) *Dataset {
	ds.bufferSize = bufferSize
	ds.seed = seed
	ds.Reset()
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumRecords returns the number of distinct records.
func (ds *Dataset) NumRecords() int { return len(ds.records) }

// Reset implements train.Dataset. It restarts the stream, with the same shuffling.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.pos = 0
	ds.buffer = ds.buffer[:0]
	ds.rng = rand.New(rand.NewPCG(ds.seed, ds.seed^0x9e3779b97f4a7c15))
}

// lockedNextFromStream returns the index of the next record in the repeated stream, or false if it's exhausted.
func (ds *Dataset) lockedNextFromStream() (int, bool) {
	if len(ds.records) == 0 {
		return 0, false
	}
	if ds.epochs > 0 && ds.pos >= ds.epochs*len(ds.records) {
		return 0, false
	}
	idx := ds.pos % len(ds.records)
	ds.pos++
	return idx, true
}

// Next returns the next record, or io.EOF when the dataset is exhausted.
func (ds *Dataset) Next() (Record, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.bufferSize <= 1 {
		idx, ok := ds.lockedNextFromStream()
		if !ok {
			return Record{}, io.EOF
		}
		return ds.records[idx], nil
	}
	for len(ds.buffer) < ds.bufferSize {
		idx, ok := ds.lockedNextFromStream()
		if !ok {
			break
		}
		ds.buffer = append(ds.buffer, idx)
	}
	if len(ds.buffer) == 0 {
		return Record{}, io.EOF
	}
	pick := ds.rng.IntN(len(ds.buffer))
	idx := ds.buffer[pick]
	last := len(ds.buffer) - 1
	ds.buffer[pick] = ds.buffer[last]
	ds.buffer = ds.buffer[:last]
	return ds.records[idx], nil
}

// Yield implements train.Dataset. It always yields a nil spec value, so all batches share the same compiled graph.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	rec, err := ds.Next()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = []*tensors.Tensor{toTensor.Single(rec.LowRes)}
	labels = []*tensors.Tensor{toTensor.Single(rec.HighRes)}
	return
}

// Batch groups the examples of ds in batches of batchSize, dropping the last incomplete batch so all batches
// have the same shape.
func Batch(backend backends.Backend, ds train.Dataset, batchSize int) train.Dataset {
	return datasets.Batch(backend, ds, batchSize, true, true)
}

// NewTrainDataset creates the training stream: records repeated for epochs (indefinitely if epochs <= 0),
// shuffled through a buffer of shuffleBuffer examples and batched.
func NewTrainDataset(backend backends.Backend, records []Record, epochs, shuffleBuffer, batchSize int,
	seed uint64) train.Dataset {
	ds := NewDataset(fmt.Sprintf("train[%d records]", len(records)), records).
		Repeat(epochs).
		Shuffle(shuffleBuffer, seed)
	return Batch(backend, ds, batchSize)
}
