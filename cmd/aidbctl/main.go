// Command aidbctl is a thin walkthrough of the aidb package: open a
// database, write through it, force a flush and a compaction, read
// through a snapshot, then reopen the same directory to show recovery.
// It exists to be read, not deployed — the aidb package itself is the
// product.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/genuineh/aidb"
)

func main() {
	dir := filepath.Join(os.TempDir(), "aidbctl-demo")
	defer os.RemoveAll(dir)

	fmt.Println("=== aidb walkthrough ===")
	fmt.Printf("data directory: %s\n\n", dir)

	opts := aidb.DefaultOptions()
	opts.MemTableSize = 4 << 10 // small; the puts below still fit, and step 3's Flush writes the SSTable

	db, err := aidb.Open(dir, opts)
	if err != nil {
		log.Fatalf("open: %v", err)
	}

	users := map[string]string{
		"user:1001": "Alice",
		"user:1002": "Bob",
		"user:1003": "Charlie",
		"user:1004": "David",
		"user:1005": "Eve",
	}
	fmt.Println("1. put")
	for k, v := range users {
		if err := db.Put([]byte(k), []byte(v)); err != nil {
			log.Fatalf("put %s: %v", k, err)
		}
	}

	fmt.Println("2. snapshot, then overwrite one key")
	snap := db.Snapshot()
	if err := db.Put([]byte("user:1001"), []byte("Alice (updated)")); err != nil {
		log.Fatalf("put: %v", err)
	}
	before, _, err := snap.Get([]byte("user:1001"))
	if err != nil {
		log.Fatalf("snapshot get: %v", err)
	}
	after, _, err := db.Get([]byte("user:1001"))
	if err != nil {
		log.Fatalf("get: %v", err)
	}
	fmt.Printf("   snapshot sees %q, live db sees %q\n", before, after)
	snap.Release()

	fmt.Println("3. delete, then flush and compact")
	if err := db.Delete([]byte("user:1003")); err != nil {
		log.Fatalf("delete: %v", err)
	}
	if err := db.Flush(); err != nil {
		log.Fatalf("flush: %v", err)
	}
	if err := db.CompactRange(nil, nil); err != nil {
		log.Fatalf("compact: %v", err)
	}

	fmt.Println("4. scan a range")
	it, err := db.Scan([]byte("user:1001"), []byte("user:1005"))
	if err != nil {
		log.Fatalf("scan: %v", err)
	}
	for it.Valid() {
		fmt.Printf("   %s = %s\n", it.Key(), it.Value())
		if err := it.Next(); err != nil {
			log.Fatalf("next: %v", err)
		}
	}

	stats := db.Stats()
	fmt.Printf("5. stats: level file counts = %v\n", stats.LevelFileCounts)

	if err := db.Close(); err != nil {
		log.Fatalf("close: %v", err)
	}

	fmt.Println("6. reopen and confirm recovery")
	db2, err := aidb.Open(dir, opts)
	if err != nil {
		log.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	if _, found, err := db2.Get([]byte("user:1003")); err != nil || found {
		log.Fatalf("user:1003 should still be deleted after reopen, found=%v err=%v", found, err)
	}
	v, found, err := db2.Get([]byte("user:1001"))
	if err != nil || !found {
		log.Fatalf("user:1001 missing after reopen: found=%v err=%v", found, err)
	}
	fmt.Printf("   user:1001 = %s\n", v)

	fmt.Println("\n=== done ===")
}
