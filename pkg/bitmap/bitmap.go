// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bitmap provides a fixed-size bitmap used to track allocated
// frames.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a fixed-size set of bits. The zero value is an empty bitmap of
// size zero.
type Bitmap struct {
	// numOnes is the number of set bits.
	numOnes uint64

	// size is the number of usable bits.
	size uint64

	// bitBlock holds the bits, 64 per word.
	bitBlock []uint64
}

// New creates a Bitmap holding size bits, all clear.
func New(size uint64) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of bits in b.
func (b *Bitmap) Size() uint64 {
	return b.size
}

// GetNumOnes returns the number of set bits.
func (b *Bitmap) GetNumOnes() uint64 {
	return b.numOnes
}

// IsSet returns true if bit i is set.
func (b *Bitmap) IsSet(i uint64) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Add(i uint64) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask == 0 {
		b.bitBlock[blockNum] |= mask
		b.numOnes++
	}
}

// Remove clears bit i.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Remove(i uint64) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask != 0 {
		b.bitBlock[blockNum] &^= mask
		b.numOnes--
	}
}

// AddRange sets every bit in [begin, end).
func (b *Bitmap) AddRange(begin, end uint64) {
	if end > b.size {
		end = b.size
	}
	for i := begin; i < end; i++ {
		b.Add(i)
	}
}

// FirstZero returns the first clear bit in [start, Size()).
func (b *Bitmap) FirstZero(start uint64) (uint64, error) {
	if start >= b.size {
		return 0, fmt.Errorf("start %d exceeds bitmap size %d", start, b.size)
	}
	i, nbit := start/64, start%64
	w := b.bitBlock[i] | ((uint64(1) << nbit) - 1)
	for {
		if w != ^uint64(0) {
			if r := i*64 + uint64(bits.TrailingZeros64(^w)); r < b.size {
				return r, nil
			}
			break
		}
		i++
		if i == uint64(len(b.bitBlock)) {
			break
		}
		w = b.bitBlock[i]
	}
	return 0, fmt.Errorf("bitmap has no unset bits")
}

// ToSlice returns the indices of all set bits in ascending order.
func (b *Bitmap) ToSlice() []uint64 {
	out := make([]uint64, 0, b.numOnes)
	for i, block := range b.bitBlock {
		for block != 0 {
			j := block & -block
			out = append(out, uint64(i)*64+uint64(bits.OnesCount64(j-1)))
			block ^= j
		}
	}
	return out
}
