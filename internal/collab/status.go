package collab

import (
	"context"
	"errors"
	"net/http"

	"github.com/quorumdesk/txcoordinator/internal/domain/transaction"
	"github.com/quorumdesk/txcoordinator/internal/mirror"
	"github.com/quorumdesk/txcoordinator/pkg/logger"
)

// TransactionLookup is the slice of the mirror client the status processor
// needs.
type TransactionLookup interface {
	FetchTransaction(ctx context.Context, transactionID, network string) (*mirror.TransactionResult, error)
}

// MirrorStatusProcessor cross-checks pending transactions against the
// mirror node record. A transaction the mirror has ingested is terminal:
// SUCCESS maps to EXECUTED, everything else to FAILED. Transactions the
// mirror does not know yet are left alone.
type MirrorStatusProcessor struct {
	lookup TransactionLookup
	log    *logger.Logger
}

// NewMirrorStatusProcessor builds the processor on a mirror client.
func NewMirrorStatusProcessor(lookup TransactionLookup, log *logger.Logger) *MirrorStatusProcessor {
	if log == nil {
		log = logger.NewDefault("status")
	}
	return &MirrorStatusProcessor{lookup: lookup, log: log}
}

// ProcessStatuses returns the new status for every transaction the mirror
// node has a terminal record for. When a network's circuit is open the
// remaining transactions on that network are skipped for this pass.
func (p *MirrorStatusProcessor) ProcessStatuses(ctx context.Context, txs []transaction.Transaction) (map[int64]transaction.Status, error) {
	changed := make(map[int64]transaction.Status)
	skipNetwork := make(map[string]bool)

	for i := range txs {
		tx := &txs[i]
		if skipNetwork[tx.MirrorNetwork] {
			continue
		}

		result, err := p.lookup.FetchTransaction(ctx, tx.TransactionID, tx.MirrorNetwork)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return changed, err
			}
			if errors.Is(err, mirror.ErrCircuitOpen) {
				skipNetwork[tx.MirrorNetwork] = true
				continue
			}
			p.log.WithError(err).
				WithField("transaction_id", tx.ID).
				Warn("mirror status lookup failed")
			continue
		}
		if result == nil {
			continue
		}

		if result.Success() {
			changed[tx.ID] = transaction.StatusExecuted
		} else {
			changed[tx.ID] = transaction.StatusFailed
		}
	}
	return changed, nil
}

// HTTPStatusProcessor delegates the status cross-check to a dedicated
// status service instead of querying the mirror node directly. Used when
// a deployment fronts the mirror with its own reconciliation service.
type HTTPStatusProcessor struct {
	client *client
}

// NewHTTPStatusProcessor builds a processor against the given base URL.
func NewHTTPStatusProcessor(baseURL, apiKey string, httpClient *http.Client) *HTTPStatusProcessor {
	return &HTTPStatusProcessor{client: newClient(baseURL, apiKey, httpClient)}
}

type statusCheckRequest struct {
	Transactions []statusCheckItem `json:"transactions"`
}

type statusCheckItem struct {
	TransactionID int64  `json:"transaction_id"`
	LedgerID      string `json:"ledger_transaction_id"`
	MirrorNetwork string `json:"mirror_network"`
}

type statusCheckResponse struct {
	Statuses []statusCheckResult `json:"statuses"`
}

type statusCheckResult struct {
	TransactionID int64  `json:"transaction_id"`
	Status        string `json:"status"`
}

// ProcessStatuses posts the pending set in one call and maps the returned
// statuses back by transaction ID. Transactions the service omits, or
// returns with an empty status, are left alone.
func (p *HTTPStatusProcessor) ProcessStatuses(ctx context.Context, txs []transaction.Transaction) (map[int64]transaction.Status, error) {
	if len(txs) == 0 {
		return map[int64]transaction.Status{}, nil
	}

	req := statusCheckRequest{Transactions: make([]statusCheckItem, 0, len(txs))}
	for i := range txs {
		req.Transactions = append(req.Transactions, statusCheckItem{
			TransactionID: txs[i].ID,
			LedgerID:      txs[i].TransactionID,
			MirrorNetwork: txs[i].MirrorNetwork,
		})
	}

	var resp statusCheckResponse
	if err := p.client.postJSON(ctx, "/v1/transaction-statuses", req, &resp); err != nil {
		return nil, err
	}

	changed := make(map[int64]transaction.Status, len(resp.Statuses))
	for _, result := range resp.Statuses {
		if result.Status == "" {
			continue
		}
		changed[result.TransactionID] = transaction.Status(result.Status)
	}
	return changed, nil
}
