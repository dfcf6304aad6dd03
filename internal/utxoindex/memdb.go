package utxoindex

import (
	"github.com/luxfi/database"
	"github.com/luxfi/database/memdb"
)

// newMemDB returns an in-memory database.Database, used by OpenMemory for
// tests that should not touch disk.
func newMemDB() database.Database {
	return memdb.New()
}
