package model

import "time"

// OpStatus is the outcome recorded for an operation.
type OpStatus string

const (
	OpStatusSuccess OpStatus = "success"
	OpStatusWarning OpStatus = "warning"
	OpStatusError   OpStatus = "error"
)

// Operation names written to the operation log.
const (
	OpFileImport          = "file_import"
	OpRevenueDistribution = "revenue_distribution"
	OpVerification        = "verification"
)

// OperationLogEntry is an append-only audit row for one phase of a batch.
type OperationLogEntry struct {
	ID               int64          `json:"id,omitempty"`
	BatchID          string         `json:"batch_id"`
	Operation        string         `json:"operation"`
	Status           OpStatus       `json:"status"`
	Message          string         `json:"message"`
	RecordsProcessed int64          `json:"records_processed"`
	ExecutionTime    time.Duration  `json:"execution_time"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}
