/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Feb 14 10:11:28 2018 mstenber
 * Last modified: Mon Mar 26 09:48:17 2018 mstenber
 * Edit time:     139 min
 *
 */

// aio provides batched asynchronous file I/O for flash-to-hdd page
// migration. Requests come from a bounded pool; worker goroutines
// perform the actual pread/pwrite; completions are reaped by the
// submitter via Poll/Wait, which run each request's completion
// callbacks (LIFO). A callback may submit a follow-up request, which
// is how the read-from-flash / write-to-hdd chain is expressed.
package aio

import (
	"time"

	"github.com/fingon/go-hmem/freelist"
	"github.com/fingon/go-hmem/mlog"
	"github.com/fingon/go-hmem/util"
	"golang.org/x/sys/unix"
)

// MaxOutstanding bounds the request pool of one manager.
const MaxOutstanding = 2048

const workers = 4

type IOType int

const (
	Read IOType = iota
	Write
)

// Completion is run with the byte count the IO reported (negative
// errno on failure).
type Completion func(req *Request, result int)

// Request describes one read or write. A request is owned by the
// manager's pool; Prepare and the callback stack reset on reuse.
type Request struct {
	mgr    *Manager
	active bool

	fd     int
	buffer []byte
	offset int64
	ioType IOType

	callbacks []Completion
}

// Prepare arms the request. The buffer's length is the IO size.
func (self *Request) Prepare(fd int, buffer []byte, offset int64, ioType IOType) {
	if !self.active {
		mlog.Printf2("aio/aio", "req.Prepare on inactive request")
	}
	self.fd = fd
	self.buffer = buffer
	self.offset = offset
	self.ioType = ioType
	self.callbacks = self.callbacks[:0]
}

// AddCompletionCallback pushes a callback; callbacks run most recent
// first.
func (self *Request) AddCompletionCallback(cb Completion) {
	if cb != nil {
		self.callbacks = append(self.callbacks, cb)
	}
}

func (self *Request) Manager() *Manager { return self.mgr }

func (self *Request) Buffer() []byte { return self.buffer }

func (self *Request) Size() int { return len(self.buffer) }

func (self *Request) Offset() int64 { return self.offset }

func (self *Request) Type() IOType { return self.ioType }

func (self *Request) runCompletions(result int) {
	for len(self.callbacks) > 0 {
		cb := self.callbacks[len(self.callbacks)-1]
		self.callbacks = self.callbacks[:len(self.callbacks)-1]
		cb(self, result)
	}
}

type completion struct {
	req    *Request
	result int
}

// Manager owns the request pool and the worker goroutines.
type Manager struct {
	lock        util.MutexLocked
	pool        *freelist.FreeList[Request]
	work        chan *Request
	done        chan completion
	outstanding uint64
	closed      bool
}

// NewManager creates a manager handling up to maxOutstanding
// concurrently submitted requests.
func NewManager(maxOutstanding uint64) *Manager {
	if maxOutstanding == 0 || maxOutstanding > MaxOutstanding {
		maxOutstanding = MaxOutstanding
	}
	self := &Manager{
		work: make(chan *Request, maxOutstanding),
		done: make(chan completion, maxOutstanding),
	}
	self.pool = freelist.New[Request]("aio-requests", maxOutstanding,
		func(i uint64, req *Request) {
			req.mgr = self
		})
	for i := 0; i < workers; i++ {
		go self.worker()
	}
	return self
}

func (self *Manager) worker() {
	for req := range self.work {
		self.done <- completion{req: req, result: perform(req)}
	}
}

// perform runs the IO to completion, looping over short transfers.
func perform(req *Request) int {
	total := 0
	for total < len(req.buffer) {
		var n int
		var err error
		if req.ioType == Read {
			n, err = unix.Pread(req.fd, req.buffer[total:], req.offset+int64(total))
		} else {
			n, err = unix.Pwrite(req.fd, req.buffer[total:], req.offset+int64(total))
		}
		if err != nil {
			if errno, ok := err.(unix.Errno); ok {
				return -int(errno)
			}
			return -int(unix.EIO)
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total
}

// GetRequest hands out a pooled request, or nil when the pool is
// saturated; callers are expected to back off (typically to the
// synchronous path).
func (self *Manager) GetRequest() *Request {
	defer self.lock.Locked()()
	req := self.pool.Get()
	if req != nil {
		req.active = true
	}
	return req
}

func (self *Manager) freeRequest(req *Request) {
	defer self.lock.Locked()()
	req.active = false
	req.buffer = nil
	self.pool.Put(req)
}

// NumberFreeRequests returns how many requests remain in the pool.
func (self *Manager) NumberFreeRequests() uint64 {
	defer self.lock.Locked()()
	return self.pool.Avail()
}

// Submit queues one request.
func (self *Manager) Submit(req *Request) bool {
	defer self.lock.Locked()()
	if self.closed {
		return false
	}
	self.outstanding++
	self.work <- req
	return true
}

// SubmitBatch queues a batch of requests.
func (self *Manager) SubmitBatch(reqs []*Request) bool {
	defer self.lock.Locked()()
	if self.closed {
		return false
	}
	for _, req := range reqs {
		self.outstanding++
		self.work <- req
	}
	return true
}

// Poll reaps up to max completions without blocking, running their
// callbacks in the caller's goroutine.
func (self *Manager) Poll(max uint64) uint64 {
	reaped := uint64(0)
	for reaped < max {
		select {
		case c := <-self.done:
			self.complete(c)
			reaped++
		default:
			return reaped
		}
	}
	return reaped
}

// Wait blocks until min completions have been reaped or the timeout
// expires, whichever comes first. Returns the number reaped.
func (self *Manager) Wait(min uint64, timeout time.Duration) uint64 {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	reaped := uint64(0)
	for reaped < min {
		select {
		case c := <-self.done:
			self.complete(c)
			reaped++
		case <-deadline.C:
			return reaped
		}
	}
	return reaped
}

func (self *Manager) complete(c completion) {
	if c.result != len(c.req.buffer) {
		mlog.Printf2("aio/aio",
			"aio: fd %d offset %d size %d type %d returned %d",
			c.req.fd, c.req.offset, len(c.req.buffer), c.req.ioType, c.result)
	}
	self.lock.Lock()
	self.outstanding--
	self.lock.Unlock()
	c.req.runCompletions(c.result)
	self.freeRequest(c.req)
}

// Release shuts the workers down. Outstanding requests are drained
// (their callbacks run) first.
func (self *Manager) Release() {
	for {
		self.lock.Lock()
		n := self.outstanding
		self.lock.Unlock()
		if n == 0 {
			break
		}
		self.Wait(n, time.Second)
	}
	self.lock.Lock()
	if !self.closed {
		self.closed = true
		close(self.work)
	}
	self.lock.Unlock()
}
