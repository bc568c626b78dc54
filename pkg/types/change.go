package types

// Change operations recorded in the replication log.
const (
	OpUpsert = "upsert"
	OpUpdate = "update"
)

// Change is the unit of replication: the fields one intent wrote to one
// document, stamped so every replica resolves concurrent writes the same
// way. Values are CBOR-encoded. A replica that already holds a change with
// the same ID ignores it.
type Change struct {
	ID         string            `cbor:"id" json:"id"`
	Op         string            `cbor:"op" json:"op"`
	Collection string            `cbor:"collection" json:"collection"`
	DocID      string            `cbor:"doc_id" json:"doc_id"`
	Fields     map[string][]byte `cbor:"fields" json:"fields"`
	Stamp      int64             `cbor:"stamp" json:"stamp"`
	Site       string            `cbor:"site" json:"site"`
}

// Wins reports whether a write stamped (stamp, site) supersedes one stamped
// (otherStamp, otherSite). Ties on stamp break on site ID so every replica
// picks the same winner.
func Wins(stamp int64, site string, otherStamp int64, otherSite string) bool {
	if stamp != otherStamp {
		return stamp > otherStamp
	}
	return site > otherSite
}
