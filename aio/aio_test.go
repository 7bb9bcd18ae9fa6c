/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Feb 14 13:40:55 2018 mstenber
 * Last modified: Mon Mar 26 10:12:33 2018 mstenber
 * Edit time:     49 min
 *
 */

package aio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stvp/assert"
	"golang.org/x/sys/unix"
)

func tempFd(t *testing.T, size int64) int {
	path := filepath.Join(t.TempDir(), "aio.dat")
	f, err := os.Create(path)
	assert.Nil(t, err)
	assert.Nil(t, f.Truncate(size))
	fd := int(f.Fd())
	t.Cleanup(func() { f.Close() })
	return fd
}

func TestAIOWriteRead(t *testing.T) {
	fd := tempFd(t, 1<<16)
	mgr := NewManager(16)
	defer mgr.Release()
	assert.Equal(t, mgr.NumberFreeRequests(), uint64(16))

	payload := bytes.Repeat([]byte{0xab}, 4096)
	req := mgr.GetRequest()
	assert.True(t, req != nil)
	req.Prepare(fd, payload, 8192, Write)
	done := 0
	req.AddCompletionCallback(func(rq *Request, result int) {
		assert.Equal(t, result, 4096)
		done++
	})
	assert.True(t, mgr.Submit(req))
	assert.Equal(t, mgr.Wait(1, time.Second), uint64(1))
	assert.Equal(t, done, 1)
	assert.Equal(t, mgr.NumberFreeRequests(), uint64(16))

	back := make([]byte, 4096)
	n, err := unix.Pread(fd, back, 8192)
	assert.Nil(t, err)
	assert.Equal(t, n, 4096)
	assert.Equal(t, back, payload)
}

// The flash-to-hdd pattern: a read whose completion submits the
// write, callbacks running LIFO.
func TestAIOChained(t *testing.T) {
	src := tempFd(t, 1<<16)
	dst := tempFd(t, 1<<16)
	payload := bytes.Repeat([]byte{0x5a}, 4096)
	n, err := unix.Pwrite(src, payload, 4096)
	assert.Nil(t, err)
	assert.Equal(t, n, 4096)

	mgr := NewManager(8)
	defer mgr.Release()

	buf := make([]byte, 4096)
	read := mgr.GetRequest()
	write := mgr.GetRequest()
	assert.True(t, read != nil && write != nil)
	read.Prepare(src, buf, 4096, Read)
	write.Prepare(dst, buf, 12288, Write)

	var order []string
	read.AddCompletionCallback(func(rq *Request, result int) {
		order = append(order, "read-first")
		rq.Manager().Submit(write)
	})
	read.AddCompletionCallback(func(rq *Request, result int) {
		// Pushed later, runs earlier.
		order = append(order, "read-last")
	})
	write.AddCompletionCallback(func(rq *Request, result int) {
		order = append(order, "write")
	})

	assert.True(t, mgr.Submit(read))
	reaped := uint64(0)
	deadline := time.Now().Add(2 * time.Second)
	for reaped < 2 && time.Now().Before(deadline) {
		reaped += mgr.Wait(1, 100*time.Millisecond)
	}
	assert.Equal(t, reaped, uint64(2))
	assert.Equal(t, order, []string{"read-last", "read-first", "write"})

	back := make([]byte, 4096)
	n, err = unix.Pread(dst, back, 12288)
	assert.Nil(t, err)
	assert.Equal(t, n, 4096)
	assert.Equal(t, back, payload)
}

func TestAIOPoolExhaustion(t *testing.T) {
	mgr := NewManager(2)
	defer mgr.Release()
	r1 := mgr.GetRequest()
	r2 := mgr.GetRequest()
	assert.True(t, r1 != nil && r2 != nil)
	assert.True(t, mgr.GetRequest() == nil)
}
