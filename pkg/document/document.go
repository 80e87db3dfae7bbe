// Package document holds the shared canvas: a flat map of records keyed by id.
//
// Every mutation produces a Change carrying the Diff it caused and the Origin
// of the write. Listeners that forward changes to peers ignore OriginRemote
// changes, which is what keeps applied remote updates from echoing back.
package document

import (
	"maps"
	"reflect"
)

// Record is one object on the canvas (a card, a token, a shape).
type Record struct {
	ID       string         `json:"id" cbor:"id"`
	TypeName string         `json:"typeName" cbor:"typeName"`
	Props    map[string]any `json:"props,omitempty" cbor:"props,omitempty"`
}

// Equal reports whether two records hold the same data.
func (r Record) Equal(o Record) bool {
	if r.ID != o.ID || r.TypeName != o.TypeName {
		return false
	}
	if len(r.Props) == 0 && len(o.Props) == 0 {
		return true
	}
	return reflect.DeepEqual(r.Props, o.Props)
}

func (r Record) clone() Record {
	r.Props = maps.Clone(r.Props)
	return r
}

// Snapshot is the full document at one point in time.
type Snapshot struct {
	Records map[string]Record `json:"records"`
}

// Diff is an incremental change to the document.
type Diff struct {
	Added   map[string]Record `json:"added,omitempty"`
	Updated map[string]Record `json:"updated,omitempty"`
	Removed map[string]Record `json:"removed,omitempty"`
}

// IsEmpty reports whether the diff changes nothing.
func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

func (d *Diff) add(r Record) {
	if d.Added == nil {
		d.Added = make(map[string]Record)
	}
	d.Added[r.ID] = r
}

func (d *Diff) update(r Record) {
	if d.Updated == nil {
		d.Updated = make(map[string]Record)
	}
	d.Updated[r.ID] = r
}

func (d *Diff) remove(r Record) {
	if d.Removed == nil {
		d.Removed = make(map[string]Record)
	}
	d.Removed[r.ID] = r
}

// Origin tags who caused a change.
type Origin int

const (
	// OriginLocal marks edits made on this peer.
	OriginLocal Origin = iota
	// OriginRemote marks snapshots and diffs applied from a peer.
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Change is delivered to listeners after every mutation that changed
// something.
type Change struct {
	Diff   Diff
	Origin Origin
}
