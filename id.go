package drover

import "github.com/drover-io/drover/id"

// ID is the primary identifier type for all drover entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
