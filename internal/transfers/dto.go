package transfers

import "github.com/odyssey-erp/odyssey-wms/internal/shared"

// CreateRequest represents request to create a transfer.
type CreateRequest struct {
	TransferNumber string `json:"transfer_number" validate:"required,max=50"`
	FromWarehouse  string `json:"from_warehouse" validate:"required,max=10"`
	ToWarehouse    string `json:"to_warehouse" validate:"required,max=10"`
	Priority       string `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	Notes          string `json:"notes" validate:"max=2000"`
}

// AddLineRequest represents a new line on a draft.
type AddLineRequest struct {
	ItemCode      string `json:"item_code" validate:"required,max=50"`
	ItemName      string `json:"item_name" validate:"max=200"`
	Quantity      int    `json:"quantity" validate:"required,gt=0"`
	UnitOfMeasure string `json:"unit_of_measure" validate:"max=10"`
	FromWarehouse string `json:"from_warehouse" validate:"max=10"`
	ToWarehouse   string `json:"to_warehouse" validate:"max=10"`
}

// AddSerialRequest represents a serial entry for a line.
type AddSerialRequest struct {
	SerialNumber string `json:"serial_number" validate:"required,max=100"`
}

// DecisionRequest carries QC notes. Notes are required for rejection.
type DecisionRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

// ListRequest represents filters for listing transfers.
type ListRequest struct {
	Status  string
	Page    int
	PerPage int
}

// ListResult is a page of transfers.
type ListResult struct {
	Transfers  []Transfer        `json:"transfers"`
	Pagination shared.Pagination `json:"pagination"`
}

// QCQueue is the QC dashboard: documents waiting for a decision and the reviewer's latest decisions.
type QCQueue struct {
	Pending         []Transfer `json:"pending"`
	RecentDecisions []Transfer `json:"recent_decisions"`
}

// ValidationResult is the outcome of validating a line's serials.
type ValidationResult struct {
	Line     Line      `json:"line"`
	Verdicts []Verdict `json:"verdicts"`
	Issues   []Issue   `json:"issues,omitempty"`
}
