// Package memory provides an in-memory implementation of storage.Backend.
//
// All state lives in maps guarded by a single sync.RWMutex. The atomic
// operations (AtomicMarkGrantUsed, AtomicConsumeToken) run entirely under the
// write lock. Nothing survives a restart, so this backend suits development,
// tests and single-instance demos.
//
//	store := memory.New()
//	defer store.Close()
package memory
