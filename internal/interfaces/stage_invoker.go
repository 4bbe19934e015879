package interfaces

import (
	"context"

	"github.com/ternarybob/reqflow/internal/models"
)

// StageInvoker invokes one named remote stage with a JSON payload.
// Calls must be safe to repeat. A returned error and a result with
// Success=false are both treated as stage failure.
type StageInvoker interface {
	Invoke(ctx context.Context, stage models.StageName, req models.StageRequest) (*models.StageResult, error)
}
