package sdbx

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
)

var benchBucket = []byte("bench")

func formatSize(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%dM", n/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%dk", n/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

func benchEnv(b *testing.B, size int) (*Env, DBI) {
	b.Helper()
	env, err := NewEnv()
	if err != nil {
		b.Fatal(err)
	}
	if err := env.SetMaxTables(4); err != nil {
		b.Fatal(err)
	}
	if err := env.Open(filepath.Join(b.TempDir(), "bench.db"), NoSubdir|SafeNoSync, 0o644); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { env.Close() })

	var dbi DBI
	err = env.Update(func(txn *Txn) error {
		dbi, err = txn.OpenDBISimple(string(benchBucket), Create)
		if err != nil {
			return err
		}
		var k [8]byte
		val := make([]byte, 32)
		for i := 0; i < size; i++ {
			binary.BigEndian.PutUint64(k[:], uint64(i))
			if err := txn.Put(dbi, k[:], val, Append); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.Fatal(err)
	}
	return env, dbi
}

// benchBolt builds the same data set in bbolt, synced as loosely as
// SafeNoSync.
func benchBolt(b *testing.B, size int) *bolt.DB {
	b.Helper()
	db, err := bolt.Open(filepath.Join(b.TempDir(), "bench.bolt"), 0o644, &bolt.Options{
		NoSync:         true,
		NoFreelistSync: true,
	})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { db.Close() })

	err = db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(benchBucket)
		if err != nil {
			return err
		}
		bucket.FillPercent = 1
		var k [8]byte
		val := make([]byte, 32)
		for i := 0; i < size; i++ {
			binary.BigEndian.PutUint64(k[:], uint64(i))
			if err := bucket.Put(k[:], val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.Fatal(err)
	}
	return db
}

func BenchmarkRead(b *testing.B) {
	for _, size := range []int{10_000, 100_000} {
		env, dbi := benchEnv(b, size)
		db := benchBolt(b, size)
		name := formatSize(size)

		b.Run("RandGet_"+name+"/sdbx", func(b *testing.B) {
			txn, err := env.BeginTxn(nil, TxnReadOnly)
			if err != nil {
				b.Fatal(err)
			}
			defer txn.Abort()
			var k [8]byte
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				binary.BigEndian.PutUint64(k[:], uint64(rand.Intn(size)))
				if _, err := txn.Get(dbi, k[:]); err != nil {
					b.Fatal(err)
				}
			}
		})
		b.Run("RandGet_"+name+"/bolt", func(b *testing.B) {
			tx, err := db.Begin(false)
			if err != nil {
				b.Fatal(err)
			}
			defer tx.Rollback()
			bucket := tx.Bucket(benchBucket)
			var k [8]byte
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				binary.BigEndian.PutUint64(k[:], uint64(rand.Intn(size)))
				if bucket.Get(k[:]) == nil {
					b.Fatal("key not found")
				}
			}
		})

		b.Run("CursorScan_"+name+"/sdbx", func(b *testing.B) {
			txn, err := env.BeginTxn(nil, TxnReadOnly)
			if err != nil {
				b.Fatal(err)
			}
			defer txn.Abort()
			c, err := txn.OpenCursor(dbi)
			if err != nil {
				b.Fatal(err)
			}
			defer c.Close()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, _, err := c.Get(nil, nil, Next); err != nil {
					if !IsNotFound(err) {
						b.Fatal(err)
					}
					if _, _, err := c.Get(nil, nil, First); err != nil {
						b.Fatal(err)
					}
				}
			}
		})
		b.Run("CursorScan_"+name+"/bolt", func(b *testing.B) {
			tx, err := db.Begin(false)
			if err != nil {
				b.Fatal(err)
			}
			defer tx.Rollback()
			c := tx.Bucket(benchBucket).Cursor()
			c.First()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if k, _ := c.Next(); k == nil {
					c.First()
				}
			}
		})
	}
}

func BenchmarkWrite(b *testing.B) {
	for _, size := range []int{10_000, 100_000} {
		env, dbi := benchEnv(b, size)
		db := benchBolt(b, size)
		name := formatSize(size)

		b.Run("RandPut_"+name+"/sdbx", func(b *testing.B) {
			txn, err := env.BeginTxn(nil, 0)
			if err != nil {
				b.Fatal(err)
			}
			defer txn.Abort()
			var k [8]byte
			val := make([]byte, 32)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				binary.BigEndian.PutUint64(k[:], uint64(rand.Intn(size)))
				if err := txn.Put(dbi, k[:], val, 0); err != nil {
					b.Fatal(err)
				}
			}
		})
		b.Run("RandPut_"+name+"/bolt", func(b *testing.B) {
			tx, err := db.Begin(true)
			if err != nil {
				b.Fatal(err)
			}
			defer tx.Rollback()
			bucket := tx.Bucket(benchBucket)
			var k [8]byte
			val := make([]byte, 32)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				binary.BigEndian.PutUint64(k[:], uint64(rand.Intn(size)))
				if err := bucket.Put(k[:], val); err != nil {
					b.Fatal(err)
				}
			}
		})

		b.Run("CommitSmall_"+name+"/sdbx", func(b *testing.B) {
			var k [8]byte
			val := make([]byte, 32)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				binary.BigEndian.PutUint64(k[:], uint64(rand.Intn(size)))
				err := env.Update(func(txn *Txn) error {
					return txn.Put(dbi, k[:], val, 0)
				})
				if err != nil {
					b.Fatal(err)
				}
			}
		})
		b.Run("CommitSmall_"+name+"/bolt", func(b *testing.B) {
			var k [8]byte
			val := make([]byte, 32)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				binary.BigEndian.PutUint64(k[:], uint64(rand.Intn(size)))
				err := db.Update(func(tx *bolt.Tx) error {
					return tx.Bucket(benchBucket).Put(k[:], val)
				})
				if err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkDupSortCursor(b *testing.B) {
	env, err := NewEnv()
	if err != nil {
		b.Fatal(err)
	}
	if err := env.Open(filepath.Join(b.TempDir(), "dup.db"), NoSubdir|SafeNoSync, 0o644); err != nil {
		b.Fatal(err)
	}
	defer env.Close()

	var dbi DBI
	err = env.Update(func(txn *Txn) error {
		dbi, err = txn.OpenDBISimple("dups", Create|DupSort|DupFixed)
		if err != nil {
			return err
		}
		var k, v [8]byte
		for i := 0; i < 100; i++ {
			binary.BigEndian.PutUint64(k[:], uint64(i))
			for j := 0; j < 100; j++ {
				binary.BigEndian.PutUint64(v[:], uint64(j))
				if err := txn.Put(dbi, k[:], v[:], 0); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		b.Fatal(err)
	}

	txn, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		b.Fatal(err)
	}
	defer txn.Abort()
	c, err := txn.OpenCursor(dbi)
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close()

	var k [8]byte
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		binary.BigEndian.PutUint64(k[:], uint64(i%100))
		if _, _, err := c.Get(k[:], nil, Set); err != nil {
			b.Fatal(err)
		}
		for {
			if _, _, err := c.Get(nil, nil, NextDup); err != nil {
				if IsNotFound(err) {
					break
				}
				b.Fatal(err)
			}
		}
	}
}
