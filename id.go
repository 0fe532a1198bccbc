package taskhost

import "github.com/xraph/taskhost/id"

// ID is the primary identifier type for all taskhost entities.
type ID = id.ID

// Prefix identifies the entity type encoded in an ID.
type Prefix = id.Prefix
