package collab

import (
	"context"
	"net/http"

	"github.com/quorumdesk/txcoordinator/internal/domain/transaction"
)

// HTTPExecutor submits execution units to the execution service.
type HTTPExecutor struct {
	client *client
}

// NewHTTPExecutor builds an executor against the given base URL.
func NewHTTPExecutor(baseURL, apiKey string, httpClient *http.Client) *HTTPExecutor {
	return &HTTPExecutor{client: newClient(baseURL, apiKey, httpClient)}
}

type executeRequest struct {
	TransactionID    int64  `json:"transaction_id"`
	LedgerID         string `json:"ledger_transaction_id"`
	MirrorNetwork    string `json:"mirror_network"`
	TransactionBytes []byte `json:"transaction_bytes"`
}

type executeGroupRequest struct {
	GroupID    int64            `json:"group_id"`
	Atomic     bool             `json:"atomic"`
	Sequential bool             `json:"sequential"`
	Items      []executeRequest `json:"items"`
}

// ExecuteTransaction submits a single transaction.
func (e *HTTPExecutor) ExecuteTransaction(ctx context.Context, tx *transaction.Transaction) error {
	return e.client.postJSON(ctx, "/v1/execute", executeRequest{
		TransactionID:    tx.ID,
		LedgerID:         tx.TransactionID,
		MirrorNetwork:    tx.MirrorNetwork,
		TransactionBytes: tx.TransactionBytes,
	}, nil)
}

// ExecuteGroup submits a whole group in item order.
func (e *HTTPExecutor) ExecuteGroup(ctx context.Context, g *transaction.Group) error {
	req := executeGroupRequest{
		GroupID:    g.ID,
		Atomic:     g.Atomic,
		Sequential: g.Sequential,
	}
	for _, item := range g.Items {
		if item.Transaction == nil {
			continue
		}
		req.Items = append(req.Items, executeRequest{
			TransactionID:    item.Transaction.ID,
			LedgerID:         item.Transaction.TransactionID,
			MirrorNetwork:    item.Transaction.MirrorNetwork,
			TransactionBytes: item.Transaction.TransactionBytes,
		})
	}
	return e.client.postJSON(ctx, "/v1/execute-group", req, nil)
}
