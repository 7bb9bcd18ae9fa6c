/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Feb  5 09:41:03 2018 mstenber
 * Last modified: Wed Mar 21 10:02:37 2018 mstenber
 * Edit time:     33 min
 *
 */

package util

import (
	"unsafe"

	"github.com/fingon/go-hmem/mlog"
	"golang.org/x/sys/unix"
)

func IMin(i int, ints ...int) int {
	for _, v := range ints {
		if v < i {
			i = v
		}
	}
	return i
}

func IMax(i int, ints ...int) int {
	for _, v := range ints {
		if v > i {
			i = v
		}
	}
	return i
}

func UMin(i uint64, ints ...uint64) uint64 {
	for _, v := range ints {
		if v < i {
			i = v
		}
	}
	return i
}

// RoundUp rounds size up to the next multiple of align (a power of
// two).
func RoundUp(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}

// AlignedBuffer returns a size-byte slice whose base address is
// aligned to align bytes. Direct I/O and mprotect both want
// page-aligned memory; the Go allocator promises no particular
// alignment, so over-allocate and slice.
func AlignedBuffer(size, align uint64) []byte {
	raw := make([]byte, size+align)
	off := uint64(0)
	if rem := uint64(uintptr(unsafe.Pointer(&raw[0]))) & (align - 1); rem != 0 {
		off = align - rem
	}
	return raw[off : off+size : off+size]
}

// TryMlock pins the given memory. Failure (usually RLIMIT_MEMLOCK) is
// not fatal; the caches still work, just without the pinning
// guarantee.
func TryMlock(b []byte) {
	if len(b) == 0 {
		return
	}
	if err := unix.Mlock(b); err != nil {
		mlog.Printf2("util/util", "mlock of %d bytes failed: %v", len(b), err)
	}
}

// TryMunlock undoes TryMlock.
func TryMunlock(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Munlock(b)
}

// OpenDirect opens path for un-buffered I/O. Filesystems that refuse
// O_DIRECT (tmpfs, notably) get a buffered fallback; the caller
// learns which via the direct return.
func OpenDirect(path string, flags int, mode uint32) (fd int, direct bool, err error) {
	fd, err = unix.Open(path, flags|unix.O_DIRECT, mode)
	if err == nil {
		return fd, true, nil
	}
	if err != unix.EINVAL {
		return -1, false, err
	}
	mlog.Printf2("util/util", "O_DIRECT unsupported for %s, falling back to buffered", path)
	fd, err = unix.Open(path, flags, mode)
	if err != nil {
		return -1, false, err
	}
	return fd, false, nil
}

// SliceBytes reinterprets an arbitrary slice as raw bytes; used to
// pin metadata arrays.
func SliceBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var t T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])),
		len(s)*int(unsafe.Sizeof(t)))
}
