package connection

import (
	"github.com/Augani/stormdl/internal/common"
)

// Lease is one granted slot of per-host parallelism. Segment workers hold a
// lease for the lifetime of a range request and return it with the outcome,
// so the pool can track per-host health.
type Lease struct {
	ID         int64
	Host       string
	Generation common.Generation
}
