package collab

import (
	"context"
	"net/http"
	"strings"

	"github.com/quorumdesk/txcoordinator/internal/domain/transaction"
	"github.com/quorumdesk/txcoordinator/internal/services/scheduler"
	"github.com/quorumdesk/txcoordinator/pkg/logger"
)

// HTTPCollator asks the collation service to shrink a signed payload under
// the size limit. Before the call it resolves the payer's key material
// through the account cache so the service can drop signatures that no
// required key produced.
type HTTPCollator struct {
	client *client
	log    *logger.Logger
}

// NewHTTPCollator builds a collator against the given base URL.
func NewHTTPCollator(baseURL, apiKey string, httpClient *http.Client, log *logger.Logger) *HTTPCollator {
	if log == nil {
		log = logger.NewDefault("collator")
	}
	return &HTTPCollator{client: newClient(baseURL, apiKey, httpClient), log: log}
}

type collateRequest struct {
	TransactionID    int64    `json:"transaction_id"`
	TransactionBytes []byte   `json:"transaction_bytes"`
	RequiredKeys     []string `json:"required_keys,omitempty"`
}

type collateResponse struct {
	TransactionBytes []byte `json:"transaction_bytes"`
	Oversize         bool   `json:"oversize"`
}

// SmartCollate returns the shrunk payload, or nil bytes with nil error
// when the service reports the payload irreducibly oversized.
func (c *HTTPCollator) SmartCollate(ctx context.Context, tx *transaction.Transaction, keys scheduler.KeySource) ([]byte, error) {
	req := collateRequest{
		TransactionID:    tx.ID,
		TransactionBytes: tx.TransactionBytes,
	}

	// The payer account is the prefix of the ledger transaction id. A
	// cache miss is not fatal; the service then keeps all signatures.
	if payer := payerAccount(tx.TransactionID); payer != "" {
		acct, err := keys.GetAccountInfoForTransaction(ctx, tx, payer)
		if err != nil {
			c.log.WithError(err).
				WithField("transaction_id", tx.ID).
				Warn("payer key lookup failed, collating without key filter")
		} else if acct != nil {
			req.RequiredKeys = acct.PublicKeys
		}
	}

	var resp collateResponse
	if err := c.client.postJSON(ctx, "/v1/collate", req, &resp); err != nil {
		return nil, err
	}
	if resp.Oversize {
		return nil, nil
	}
	return resp.TransactionBytes, nil
}

// payerAccount extracts the paying account from a ledger transaction id of
// the form "0.0.10-1700000000-000000001".
func payerAccount(ledgerID string) string {
	idx := strings.IndexByte(ledgerID, '-')
	if idx <= 0 {
		return ""
	}
	return ledgerID[:idx]
}
