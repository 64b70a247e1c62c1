package api

import "time"

// SwapHistory is one status change of a swap.
type SwapHistory struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}

// Swap is the custodian's view of one swap. It never carries the secret.
type Swap struct {
	TxnID             string        `json:"txn_id"`
	Role              string        `json:"role"`
	Status            string        `json:"status"`
	Outcome           string        `json:"outcome,omitempty"`
	Terminal          bool          `json:"terminal"`
	Parked            bool          `json:"parked,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	SourceAmount      *Amount       `json:"source_amount"`
	DestinationAmount *Amount       `json:"destination_amount"`
	UserAddress       string        `json:"user_address"`
	TimeoutInterval   uint64        `json:"timeout_interval"`
	SecretHash        string        `json:"secret_hash"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	History           []SwapHistory `json:"history,omitempty"`
}

// SwapList is the body of GET /v1/swaps.
type SwapList struct {
	Swaps []Swap `json:"swaps"`
}

// ErrorResponse is the body of non JSON-RPC error replies.
type ErrorResponse struct {
	ErrorCode string `json:"error"`
	Detail    string `json:"detail,omitempty"`
}

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
