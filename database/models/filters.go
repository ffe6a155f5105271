package models

// Filter narrows list queries; empty fields are ignored.
type Filter struct {
	Status string
	Wallet string
	Chain  string
	TxHash string
	Kind   string
}

// BridgeFilter narrows bridge record list queries.
type BridgeFilter struct {
	State       string
	SourceChain string
	DestChain   string
	Sender      string
	Recipient   string
}

// EscrowFilter narrows escrow list queries; Party matches buyer, seller or
// arbitrator.
type EscrowFilter struct {
	State string
	Chain string
	Party string
}

// PaginatedResult wraps a page of list results.
type PaginatedResult struct {
	Items      interface{} `json:"items"`
	TotalCount int64       `json:"total_count"`
	Page       int64       `json:"page"`
	PageSize   int64       `json:"page_size"`
}
