package history

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newSQLiteTestStore(t *testing.T) Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return store
}

func TestStores(t *testing.T) {
	factories := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewInMemoryStore() },
		"sqlite": newSQLiteTestStore,
		"retrying-memory": func(t *testing.T) Store {
			return NewRetryingStore(NewInMemoryStore(), RetryConfig{})
		},
	}
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			runStoreContract(t, factory)
		})
	}
}
