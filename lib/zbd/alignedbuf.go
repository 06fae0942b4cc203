// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package zbd

// AlignedBuffer is a scratch buffer sized to a whole number of
// blocks, allocated fresh for each staging read/write rather than
// pulled from a shared cache. It rounds every I/O up to the device's
// block size so a short tail read never hands a backend a buffer it
// has to reject as misaligned. It holds no state between calls and
// synchronizes nothing; a rebuild only ever has one staging buffer in
// flight at a time, so there is nothing here worth sharing.
type AlignedBuffer struct {
	blockSize uint64
	length    uint64
	buf       []byte
}

// NewAlignedBuffer allocates a buffer of at least length bytes, with
// its backing array rounded up to a multiple of blockSize so the
// buffer can always be handed to ReadAt/WriteAt without a separate
// padding copy.
func NewAlignedBuffer(blockSize, length uint64) *AlignedBuffer {
	if blockSize == 0 {
		blockSize = 1
	}
	rounded := length
	if rem := rounded % blockSize; rem != 0 {
		rounded += blockSize - rem
	}
	return &AlignedBuffer{
		blockSize: blockSize,
		length:    length,
		buf:       make([]byte, rounded),
	}
}

// Aligned returns the full block-rounded backing array, for passing
// to a backend's ReadAt/WriteAt.
func (b *AlignedBuffer) Aligned() []byte { return b.buf }

// Bytes returns the first length bytes of the buffer, i.e. the
// caller's actual payload once the aligned I/O has completed.
func (b *AlignedBuffer) Bytes() []byte { return b.buf[:b.length] }
