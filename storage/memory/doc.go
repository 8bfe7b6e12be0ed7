// Package memory provides an in-memory implementation of storage.Store.
//
// All maps are guarded by one sync.RWMutex, which gives every operation the
// atomicity the storage contracts require: code consumption, refresh token
// rotation and the app/consent cascades each run under the write lock.
// A background goroutine removes expired codes and token pairs.
//
// Data does not survive a restart and is not shared between instances; use
// storage/postgres or storage/redis for that.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, server.DefaultConfig(), logger)
package memory
