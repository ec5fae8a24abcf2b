// Package sdbx is an embedded transactional key-value database in pure Go,
// modeled on MDBX.
//
// Data lives in copy-on-write B+ trees in a single memory-mapped file.
// Readers see a stable snapshot and never block the single writer; pages
// are reclaimed only once no reader can reach them.
//
// Key features:
//   - MVCC snapshots pinned in a shared reader table (cross-process)
//   - Single writer, multiple readers concurrency model
//   - Nested write transactions
//   - Named tables with reverse, integer and duplicate-sorted orderings
//   - Cursors that survive modifications of their own transaction
//   - Reader parking and slow-reader eviction
//
// Basic usage:
//
//	env, err := sdbx.Open("/path/to/db", sdbx.Options{Flags: sdbx.NoSubdir})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Close()
//
//	err = env.Update(func(txn *sdbx.Txn) error {
//	    dbi, err := txn.OpenDBISimple("users", sdbx.Create)
//	    if err != nil {
//	        return err
//	    }
//	    return txn.Put(dbi, []byte("key"), []byte("value"), 0)
//	})
//
// Slices returned by Get and cursor operations point into the map or into
// the writer's dirty pages. They are valid until the transaction ends or,
// in a write transaction, until the next modification.
package sdbx
