package mirror

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// AccountInfo is the parsed mirror node view of an account.
type AccountInfo struct {
	AccountID string
	// EncodedKey is the account key exactly as the mirror node encodes it.
	EncodedKey string
	KeyType    string
	// PublicKeys is every primitive public key reachable through the
	// account key, flattened out of nested key lists and thresholds for
	// signer matching.
	PublicKeys          []string
	ReceiverSigRequired bool
	Deleted             bool
}

// NodeInfo is the parsed mirror node view of a consensus node.
type NodeInfo struct {
	NodeID      int64
	AccountID   string
	AdminKey    string
	KeyType     string
	PublicKeys  []string
	Description string
}

// TransactionResult is the mirror node's record of a submitted
// transaction. Result is the ledger response code name, "SUCCESS" for a
// committed transaction.
type TransactionResult struct {
	TransactionID      string
	Result             string
	ConsensusTimestamp string
	Name               string
}

// Success reports whether the ledger committed the transaction.
func (r *TransactionResult) Success() bool {
	return r != nil && r.Result == "SUCCESS"
}

func parseTransactionResult(body []byte) (*TransactionResult, error) {
	txs := gjson.GetBytes(body, "transactions")
	if !txs.IsArray() || len(txs.Array()) == 0 {
		return nil, fmt.Errorf("response has no transactions")
	}
	tx := txs.Array()[0]
	return &TransactionResult{
		TransactionID:      tx.Get("transaction_id").String(),
		Result:             tx.Get("result").String(),
		ConsensusTimestamp: tx.Get("consensus_timestamp").String(),
		Name:               tx.Get("name").String(),
	}, nil
}

func parseAccountInfo(body []byte) (*AccountInfo, error) {
	root := gjson.ParseBytes(body)
	if !root.Get("account").Exists() {
		return nil, fmt.Errorf("response has no account field")
	}
	key := root.Get("key")
	info := &AccountInfo{
		AccountID:           root.Get("account").String(),
		EncodedKey:          key.Get("key").String(),
		KeyType:             key.Get("_type").String(),
		PublicKeys:          flattenKeys(key),
		ReceiverSigRequired: root.Get("receiver_sig_required").Bool(),
		Deleted:             root.Get("deleted").Bool(),
	}
	return info, nil
}

func parseNodeInfo(body []byte) (*NodeInfo, error) {
	nodes := gjson.GetBytes(body, "nodes")
	if !nodes.IsArray() || len(nodes.Array()) == 0 {
		return nil, fmt.Errorf("response has no nodes")
	}
	node := nodes.Array()[0]
	key := node.Get("admin_key")
	info := &NodeInfo{
		NodeID:      node.Get("node_id").Int(),
		AccountID:   node.Get("node_account_id").String(),
		AdminKey:    key.Get("key").String(),
		KeyType:     key.Get("_type").String(),
		PublicKeys:  flattenKeys(key),
		Description: node.Get("description").String(),
	}
	return info, nil
}

// flattenKeys walks a mirror node key structure and collects every
// primitive public key, descending through key lists and threshold keys.
func flattenKeys(key gjson.Result) []string {
	if !key.Exists() {
		return nil
	}
	var out []string
	var walk func(k gjson.Result)
	walk = func(k gjson.Result) {
		if keys := k.Get("keys"); keys.IsArray() {
			keys.ForEach(func(_, child gjson.Result) bool {
				walk(child)
				return true
			})
			return
		}
		if raw := k.Get("key"); raw.Exists() && raw.String() != "" {
			out = append(out, raw.String())
		}
	}
	walk(key)
	return out
}
