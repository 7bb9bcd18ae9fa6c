/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Feb  5 09:12:44 2018 mstenber
 * Last modified: Thu Mar 15 11:41:02 2018 mstenber
 * Edit time:     71 min
 *
 */

// mlog is maybe-log: a thin wrapper of standard 'log' which prints
// only what has been asked for, and prints nothing (with next to no
// overhead) otherwise.
//
// - the MLOG environment variable, or the -mlog flag, provide a
// file/package regular expression; only Printf2 calls whose file tag
// matches it produce output
//
// - call stack depth relative to the shallowest logging call seen so
// far is used to indent the output, which makes traces of the fault
// pipeline readable
package mlog

import (
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fingon/go-hmem/util/gid"
)

const (
	stateUninitialized int32 = iota
	stateInitializing
	stateDisabled
	stateEnabled
)

const maxDepth = 100

var logger = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)

var status int32 = stateUninitialized

var mutex sync.Mutex

// Fields below are guarded by mutex.
var flagPattern *string
var pattern string
var patternRegexp *regexp.Regexp
var fileEnabled map[string]bool
var minDepth int
var callers []uintptr

func init() {
	flagPattern = flag.String("mlog", "",
		"Enable logging based on the given file/line regular expression")
	minDepth = maxDepth
	callers = make([]uintptr, maxDepth)
}

// IsEnabled tells if mlog produces output at all; it can be used to
// avoid formatting something expensive.
func IsEnabled() bool {
	return atomic.LoadInt32(&status) != stateDisabled
}

// SetLogger overrides the output logger. The returned undo function
// restores the previous one.
func SetLogger(l *log.Logger) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	old := logger
	logger = l
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		logger = old
	}
}

// SetPattern sets the match pattern by hand, overriding the
// environment/flag provided value. The returned undo function
// restores the old state.
func SetPattern(p string) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	old := pattern
	applyPattern(p)
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		applyPattern(old)
	}
}

func applyPattern(p string) {
	pattern = p
	if p == "" {
		atomic.StoreInt32(&status, stateDisabled)
		return
	}
	patternRegexp = regexp.MustCompile(p)
	fileEnabled = make(map[string]bool)
	atomic.StoreInt32(&status, stateEnabled)
}

func initialize() {
	if !atomic.CompareAndSwapInt32(&status, stateUninitialized, stateInitializing) {
		return
	}
	p := os.Getenv("MLOG")
	if *flagPattern != "" {
		p = *flagPattern
	}
	applyPattern(p)
}

// Printf is drop-in replacement of log.Printf. It pays for a
// runtime.Caller() whenever mlog is enabled at all; prefer Printf2.
func Printf(format string, args ...interface{}) {
	if atomic.LoadInt32(&status) == stateDisabled {
		return
	}
	_, file, _, ok := runtime.Caller(1)
	if !ok {
		return
	}
	Printf2(file, format, args...)
}

// Printf2 logs the given format + args if the supplied file tag
// (conventionally "package/file") matches the active pattern.
func Printf2(file string, format string, args ...interface{}) {
	st := atomic.LoadInt32(&status)
	if st == stateDisabled {
		return
	}
	mutex.Lock()
	defer mutex.Unlock()
	if st < stateDisabled {
		initialize()
		if atomic.LoadInt32(&status) <= stateDisabled {
			return
		}
	}
	enabled, seen := fileEnabled[file]
	if !seen {
		enabled = patternRegexp.FindStringIndex(file) != nil
		fileEnabled[file] = enabled
	}
	if !enabled {
		return
	}
	depth := runtime.Callers(1, callers)
	if depth < minDepth {
		minDepth = depth
	}
	depth -= minDepth
	if depth > 0 {
		format = fmt.Sprint(strings.Repeat(".", depth), format)
	}
	format = fmt.Sprintf("%8d %s", gid.GetGoroutineID(), format)
	logger.Printf(format, args...)
}
