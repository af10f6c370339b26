package adapter

import (
	"context"

	"subscription-engine/internal/domain/model"
)

// OperatorAlerter forwards operational state changes (unknown orders,
// verification failures, amount mismatches) to humans.
type OperatorAlerter interface {
	Alert(ctx context.Context, change model.StateChange) error
}
