/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Feb  5 10:02:29 2018 mstenber
 * Last modified: Thu Mar 15 11:50:44 2018 mstenber
 * Edit time:     26 min
 *
 */

package mlog

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/stvp/assert"
)

func TestPrintf2Pattern(t *testing.T) {
	var sb bytes.Buffer
	undoLogger := SetLogger(log.New(&sb, "", 0))
	defer undoLogger()
	undo := SetPattern("foo/")
	defer undo()

	Printf2("foo/bar", "hello %d", 42)
	Printf2("quux/baz", "not this one")
	out := sb.String()
	assert.True(t, strings.Contains(out, "hello 42"))
	assert.True(t, !strings.Contains(out, "not this one"))
}

func TestDisabled(t *testing.T) {
	var sb bytes.Buffer
	undoLogger := SetLogger(log.New(&sb, "", 0))
	defer undoLogger()
	undo := SetPattern("")
	defer undo()

	assert.True(t, !IsEnabled())
	Printf2("foo/bar", "nothing")
	Printf("nothing either")
	assert.Equal(t, sb.String(), "")
}
