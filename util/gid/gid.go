/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Feb  5 09:02:11 2018 mstenber
 * Last modified: Mon Feb  5 09:08:40 2018 mstenber
 * Edit time:     5 min
 *
 */

package gid

import (
	"runtime"
	"strconv"
	"strings"
)

// GetGoroutineID digs the current goroutine id out of the stack
// header ("goroutine N [running]: ..."). Slow, but there is no
// official API for this and it is used only on logging paths.
func GetGoroutineID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	fields := strings.Fields(string(b))
	if len(fields) < 2 {
		return 0
	}
	n, _ := strconv.ParseUint(fields[1], 10, 64)
	return n
}
