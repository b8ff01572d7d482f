package main

import (
	"encoding/json"

	"github.com/warp/kvtx/entity"
)

// record is the opaque entity kvtxctl operates on: the CLI does not
// know the shape of any particular application's values, so it stores
// whatever JSON the caller hands it and echoes it back verbatim.
type record struct {
	entity.Base
	Value json.RawMessage `json:"value"`
}
