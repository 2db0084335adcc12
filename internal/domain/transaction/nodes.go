package transaction

import "time"

// NodeKind discriminates merged scheduling rows: an independent transaction
// or a group treated as one unit. The persistence layer decides the kind
// once, from the nullable group discriminator column.
type NodeKind int

const (
	NodeSingle NodeKind = iota
	NodeGroup
)

// Node is one row of the merged single/group scheduling query.
type Node struct {
	Kind          NodeKind
	TransactionID int64
	GroupID       int64
	ValidStart    time.Time
	Seq           int
}

// ID returns the discriminated identifier of the node.
func (n Node) ID() int64 {
	if n.Kind == NodeGroup {
		return n.GroupID
	}
	return n.TransactionID
}

// CompareNodes imposes a total order on scheduling nodes: valid start
// ascending, then sequence, then singles before groups, then identifier.
func CompareNodes(a, b Node) int {
	switch {
	case a.ValidStart.Before(b.ValidStart):
		return -1
	case b.ValidStart.Before(a.ValidStart):
		return 1
	}
	if a.Seq != b.Seq {
		if a.Seq < b.Seq {
			return -1
		}
		return 1
	}
	if a.Kind != b.Kind {
		if a.Kind < b.Kind {
			return -1
		}
		return 1
	}
	switch {
	case a.ID() < b.ID():
		return -1
	case a.ID() > b.ID():
		return 1
	}
	return 0
}
