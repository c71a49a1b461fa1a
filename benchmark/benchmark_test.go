package benchmark

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/genuineh/aidb"
)

func setupDB(b *testing.B) (*aidb.DB, string) {
	tmpDir := filepath.Join(b.TempDir(), "bench-db")
	db, err := aidb.Open(tmpDir, aidb.DefaultOptions())
	if err != nil {
		b.Fatalf("Failed to open DB: %v", err)
	}
	return db, tmpDir
}

func BenchmarkPut(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	keys := make([][]byte, b.N)
	values := make([][]byte, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		values[i] = []byte(fmt.Sprintf("value-%d", i))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := db.Put(keys[i], values[i]); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}

func BenchmarkGet(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	numKeys := 1000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%d", i)
		value := fmt.Sprintf("value-%d", i)
		if err := db.Put([]byte(key), []byte(value)); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	keys := make([][]byte, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = []byte(fmt.Sprintf("key-%d", i%numKeys))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, _, err := db.Get(keys[i]); err != nil {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

// BenchmarkGetFromSSTable forces a flush before measuring reads, so the
// benchmark exercises the SSTable reader path (block cache, Bloom
// filter, binary search) rather than the memtable's skiplist.
func BenchmarkGetFromSSTable(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	numKeys := 10000
	valueSize := 100
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%08d", i)
		value := make([]byte, valueSize)
		for j := range value {
			value[j] = byte(i + j)
		}
		if err := db.Put([]byte(key), value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
	if err := db.Flush(); err != nil {
		b.Fatalf("Flush failed: %v", err)
	}

	keys := make([][]byte, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = []byte(fmt.Sprintf("key-%08d", i%numKeys))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, _, err := db.Get(keys[i]); err != nil {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

func BenchmarkPutGet(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	keys := make([][]byte, b.N)
	values := make([][]byte, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		values[i] = []byte(fmt.Sprintf("value-%d", i))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := db.Put(keys[i], values[i]); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
		if _, _, err := db.Get(keys[i]); err != nil {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

func BenchmarkSequentialWrite(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key-%010d", i)
		value := fmt.Sprintf("value-%010d", i)
		if err := db.Put([]byte(key), []byte(value)); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}

func BenchmarkRandomRead(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%08d", i)
		value := fmt.Sprintf("value-%08d", i)
		if err := db.Put([]byte(key), []byte(value)); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	rng := rand.New(rand.NewSource(42))
	keys := make([][]byte, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = []byte(fmt.Sprintf("key-%08d", rng.Intn(numKeys)))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, _, err := db.Get(keys[i]); err != nil {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

func BenchmarkDelete(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	keys := make([][]byte, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		if err := db.Put(keys[i], []byte(fmt.Sprintf("value-%d", i))); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := db.Delete(keys[i]); err != nil {
			b.Fatalf("Delete failed: %v", err)
		}
	}
}

func BenchmarkWriteLargeValues(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	largeValue := make([]byte, 10*1024)
	for i := range largeValue {
		largeValue[i] = byte(i % 256)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := db.Put([]byte(key), largeValue); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}

func BenchmarkWriteSmallValues(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key-%d", i)
		value := fmt.Sprintf("v%d", i)
		if err := db.Put([]byte(key), []byte(value)); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}

func BenchmarkConcurrentWrites(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("key-%d-%d", rand.Int63(), i)
			value := fmt.Sprintf("value-%d", i)
			if err := db.Put([]byte(key), []byte(value)); err != nil {
				b.Fatalf("Put failed: %v", err)
			}
			i++
		}
	})
}

func BenchmarkConcurrentReads(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	numKeys := 1000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%d", i)
		value := fmt.Sprintf("value-%d", i)
		if err := db.Put([]byte(key), []byte(value)); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(42))
		for pb.Next() {
			key := fmt.Sprintf("key-%d", rng.Intn(numKeys))
			if _, _, err := db.Get([]byte(key)); err != nil {
				b.Fatalf("Get failed: %v", err)
			}
		}
	})
}
