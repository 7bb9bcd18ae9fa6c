/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Feb 19 09:05:02 2018 mstenber
 * Last modified: Mon Feb 19 09:17:44 2018 mstenber
 * Edit time:     4 min
 *
 */

package hmem

import "time"

// MaxInstances bounds how many hybrid memory instances one group may
// shard across.
const MaxInstances = 128

// Evict batch sizes per layer.
const pageCacheEvictBatch = 10
const ramCacheEvictBatch = 16
const flashEvictBatch = 16

const maxOutstandingAsyncIO = 2048

// One flash-to-hdd migration batch gets this long before the evict
// proceeds without waiting for stragglers.
const migrateTimeout = 2 * time.Second
