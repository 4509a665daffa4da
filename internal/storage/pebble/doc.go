// Package pebblestore wraps Pebble with an fsync policy, batches, snapshots,
// prefix helpers and a metrics hook.
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	    Metrics: pebblestore.PromMetrics{},
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(ctx, b)
//	b.Close()
//
//	_ = db.ScanPrefix([]byte("c/"), func(k, v []byte) bool { return true })
//	_ = db.DeletePrefix(ctx, []byte("c/inbox/"))
package pebblestore
