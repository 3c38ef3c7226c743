package storage

import "fmt"

// Type selects a storage backend.
type Type string

const (
	TypeMemory Type = "memory"
	TypeFile   Type = "file"
	TypeSQL    Type = "sql"
)

// New creates a storage backend. dataPath is a directory for the file
// backend or a connection string / database path for the SQL backend; the
// memory backend ignores it.
func New(storageType Type, dataPath string) (API, error) {
	switch storageType {
	case TypeMemory, "":
		return NewMemoryStore(), nil
	case TypeFile:
		return NewFileStore(dataPath)
	case TypeSQL:
		return NewSQLStore(dataPath)
	default:
		return nil, fmt.Errorf("unknown storage type %q", storageType)
	}
}
