// Package kvdb wraps a CometBFT dbm.DB so the ledger store and the
// persisted Lamport value can use an on-disk backend without depending
// directly on cometbft-db's types.
package kvdb

import (
	dbm "github.com/cometbft/cometbft-db"
)

// Adapter exposes a CometBFT dbm.DB through the narrow Get/Set interface
// pkg/ledger and cmd/swarmnode's Lamport persister expect.
type Adapter struct {
	db dbm.DB
}

// NewAdapter wraps db.
func NewAdapter(db dbm.DB) *Adapter {
	return &Adapter{db: db}
}

// Get returns the value for key, or nil if absent.
func (a *Adapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	return a.db.Get(key)
}

// Set writes key/value durably (SetSync) so a crash after a commit never
// loses an acknowledged write.
func (a *Adapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.SetSync(key, value)
}

// Has reports whether key is present.
func (a *Adapter) Has(key []byte) (bool, error) {
	if a.db == nil {
		return false, nil
	}
	return a.db.Has(key)
}

// NewMemDB opens an in-memory CometBFT-backed DB, used by tests and any
// deployment that doesn't need durability across restarts.
func NewMemDB() dbm.DB {
	return dbm.NewMemDB()
}
