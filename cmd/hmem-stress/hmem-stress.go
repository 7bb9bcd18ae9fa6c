/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Mar 27 13:30:02 2018 mstenber
 * Last modified: Fri Mar 30 17:21:13 2018 mstenber
 * Edit time:     44 min
 *
 */

// hmem-stress drives a hybrid memory region with a sequential or
// random read/write workload and reports fault statistics.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"runtime/pprof"

	"github.com/fingon/go-hmem/hmem"
	"github.com/fingon/go-hmem/vrange"
)

func main() {
	flashDir := flag.String("flashdir", "/tmp", "Directory for the flash cache files")
	backing := flag.String("backing", "", "Backing file to map (anonymous range if empty)")
	sizeMB := flag.Uint64("size", 64, "Region size in MiB")
	l1KB := flag.Uint64("l1", 64, "Page cache size in KiB")
	l2MB := flag.Uint64("l2", 16, "RAM cache size in MiB")
	l3MB := flag.Uint64("l3", 64, "Flash cache size in MiB")
	instances := flag.Uint("instances", 1, "Number of hybrid memory instances")
	accesses := flag.Uint64("accesses", 1<<20, "Number of random accesses after the fill")
	readRatio := flag.Uint("readratio", 50, "Reads per 100 accesses")
	seed := flag.Int64("seed", 1, "Random seed")
	cpuprofile := flag.String("cpuprofile", "", "CPU profile file")
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	err := hmem.Init(*flashDir, "stress",
		*l1KB<<10, *l2MB<<20, *l3MB<<20, uint32(*instances))
	if err != nil {
		log.Fatal(err)
	}
	defer hmem.Release()

	size := *sizeMB << 20
	var buf []byte
	if *backing != "" {
		buf, err = hmem.Map(*backing, size, 0)
	} else {
		buf, err = hmem.Alloc(size)
	}
	if err != nil {
		log.Fatal(err)
	}

	pages := size / vrange.PageSize
	expected := make([]uint64, pages)
	rng := rand.New(rand.NewSource(*seed))

	fmt.Printf("filling %d pages\n", pages)
	for i := uint64(0); i < pages; i++ {
		value := rng.Uint64()
		off := i*vrange.PageSize + 16
		if err = hmem.Access(func() {
			binary.LittleEndian.PutUint64(buf[off:off+8], value)
		}); err != nil {
			log.Fatal(err)
		}
		expected[i] = value
	}

	fmt.Printf("running %d accesses (%d%% reads)\n", *accesses, *readRatio)
	for i := uint64(0); i < *accesses; i++ {
		pageIdx := uint64(rng.Int63()) % pages
		off := pageIdx*vrange.PageSize + 16
		if uint(rng.Intn(100)) < *readRatio {
			var got uint64
			if err = hmem.Access(func() {
				got = binary.LittleEndian.Uint64(buf[off : off+8])
			}); err != nil {
				log.Fatal(err)
			}
			if got != expected[pageIdx] {
				log.Fatalf("page %d: got %x, expected %x",
					pageIdx, got, expected[pageIdx])
			}
		} else {
			value := rng.Uint64()
			if err = hmem.Access(func() {
				binary.LittleEndian.PutUint64(buf[off:off+8], value)
			}); err != nil {
				log.Fatal(err)
			}
			expected[pageIdx] = value
		}
		if i > 0 && i%100000 == 0 {
			fmt.Printf("  %d accesses done\n", i)
		}
	}

	s := hmem.GetStats()
	fmt.Printf("faults=%d ram-hits=%d flash-hits=%d hdd-hits=%d "+
		"found=%d unfound=%d flash-used=%d flash-free=%d\n",
		s.Faults, s.RAMHits, s.FlashHits, s.HDDHits,
		s.FoundPages, s.UnfoundPages, s.FlashUsedPages, s.FlashFreePages)

	if err = hmem.Free(buf); err != nil {
		log.Fatal(err)
	}
}
