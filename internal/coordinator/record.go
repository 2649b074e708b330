// Package coordinator implements the cluster map (InfoRecord) and the
// etcd-backed client that keeps a local copy of it fresh and mutates it
// with compare-and-swap.
package coordinator

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// State is the cluster lifecycle state persisted in a Record.
type State int

const (
	StateInit State = iota
	StateRunning
	StateMigrating
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateMigrating:
		return "MIGRATING"
	default:
		return "UNKNOWN"
	}
}

// NodeEntry describes one slot in the cluster roster. An empty Address
// means the slot has been retired and may be reused only by appending a
// new entry, never by reusing the id (ids are stable).
type NodeEntry struct {
	Address   string
	Shards    map[uint32]struct{}
	Future    map[uint32]struct{}
	Available bool
	Remove    bool
}

func newNodeEntry(address string) NodeEntry {
	return NodeEntry{
		Address:   address,
		Shards:    make(map[uint32]struct{}),
		Future:    make(map[uint32]struct{}),
		Available: true,
	}
}

// SortedShards returns the node's owned shard ids in ascending order.
func (n NodeEntry) SortedShards() []uint32 { return sortedSet(n.Shards) }

// SortedFuture returns the node's pending shard ids in ascending order.
func (n NodeEntry) SortedFuture() []uint32 { return sortedSet(n.Future) }

func sortedSet(set map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Record is the cluster map persisted under the coordinator's single
// InfoRecord key. SchemaVersion lets future fields be added without
// breaking nodes mid-rollout.
type Record struct {
	SchemaVersion uint32
	State         State
	NumShards     uint32
	Nodes         []NodeEntry
}

// NewRecord returns an empty, INIT-state record with no nodes.
func NewRecord() *Record {
	return &Record{SchemaVersion: 1, State: StateInit}
}

// Clone returns a deep copy suitable for optimistic read-modify-write.
func (r *Record) Clone() *Record {
	out := &Record{
		SchemaVersion: r.SchemaVersion,
		State:         r.State,
		NumShards:     r.NumShards,
		Nodes:         make([]NodeEntry, len(r.Nodes)),
	}
	for i, n := range r.Nodes {
		clone := NodeEntry{Address: n.Address, Available: n.Available, Remove: n.Remove}
		clone.Shards = make(map[uint32]struct{}, len(n.Shards))
		for s := range n.Shards {
			clone.Shards[s] = struct{}{}
		}
		clone.Future = make(map[uint32]struct{}, len(n.Future))
		for s := range n.Future {
			clone.Future[s] = struct{}{}
		}
		out.Nodes[i] = clone
	}
	return out
}

// ShardForKey hashes key into a shard id. Clients and servers must agree
// on the function; any uniform, stable hash is acceptable per spec.
func ShardForKey(key []byte, numShards uint32) uint32 {
	h := fnv.New32a()
	h.Write(key)
	return h.Sum32() % numShards
}

// ShardForKey resolves a shard id using the record's own NumShards.
func (r *Record) ShardForKey(key []byte) uint32 {
	return ShardForKey(key, r.NumShards)
}

// IndexForShard returns the node id that currently owns shard, if any.
func (r *Record) IndexForShard(shard uint32) (int, bool) {
	for id, n := range r.Nodes {
		if _, ok := n.Shards[shard]; ok {
			return id, true
		}
	}
	return 0, false
}

// IndexOf returns the node id currently bound to address, or -1.
func (r *Record) IndexOf(address string) int {
	for id, n := range r.Nodes {
		if n.Address == address {
			return id
		}
	}
	return -1
}

// IsAvailable reports the advisory liveness of node id.
func (r *Record) IsAvailable(id int) bool {
	if id < 0 || id >= len(r.Nodes) {
		return false
	}
	return r.Nodes[id].Available
}

// SetAvailable sets the advisory liveness of node id.
func (r *Record) SetAvailable(id int, available bool) {
	if id < 0 || id >= len(r.Nodes) {
		return
	}
	r.Nodes[id].Available = available
}

// IsHealthy is true iff every node with a non-empty address is available.
func (r *Record) IsHealthy() bool {
	for _, n := range r.Nodes {
		if n.Address != "" && !n.Available {
			return false
		}
	}
	return true
}

// NoMigrations is true iff no node has a pending future shard.
func (r *Record) NoMigrations() bool {
	return !r.hasPendingFuture()
}

func (r *Record) hasPendingFuture() bool {
	for _, n := range r.Nodes {
		if len(n.Future) > 0 {
			return true
		}
	}
	return false
}

func (r *Record) appendNode(address string) int {
	r.Nodes = append(r.Nodes, newNodeEntry(address))
	return len(r.Nodes) - 1
}

// activeNodeIDs returns node ids with a non-empty address, in ascending
// id order; when excludeRemoved is set, nodes marked Remove are left out.
func (r *Record) activeNodeIDs(excludeRemoved bool) []int {
	ids := make([]int, 0, len(r.Nodes))
	for id, n := range r.Nodes {
		if n.Address == "" {
			continue
		}
		if excludeRemoved && n.Remove {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// AddNodeWithNewShards appends a node while the cluster is still in
// INIT, fixing NumShards on the very first writer, then redistributes
// the full shard range across all INIT-state nodes directly into
// Shards (migration never applies at INIT).
func (r *Record) AddNodeWithNewShards(address string, numShards uint32) (int, error) {
	if r.State != StateInit {
		return 0, errors.New("coordinator: add_node_with_new_shards requires INIT state")
	}
	if len(r.Nodes) == 0 {
		if numShards == 0 {
			return 0, errors.New("coordinator: num_shards must be positive")
		}
		r.NumShards = numShards
	}
	id := r.appendNode(address)
	r.redistributeInitDirect()
	return id, nil
}

// redistributeInitDirect assigns [0, NumShards) contiguously across the
// current INIT-state roster straight into Shards.
func (r *Record) redistributeInitDirect() {
	ids := r.activeNodeIDs(false)
	n := len(ids)
	if n == 0 {
		return
	}
	for _, id := range ids {
		r.Nodes[id].Shards = make(map[uint32]struct{})
	}
	base := int(r.NumShards) / n
	extra := int(r.NumShards) % n
	shard := uint32(0)
	for i, id := range ids {
		count := base
		if i < extra {
			count++
		}
		for c := 0; c < count; c++ {
			r.Nodes[id].Shards[shard] = struct{}{}
			shard++
		}
	}
}

// AddNode appends a node with no owned shards, valid only in RUNNING.
func (r *Record) AddNode(address string) (int, error) {
	if r.State != StateRunning {
		return 0, errors.New("coordinator: add_node requires RUNNING state")
	}
	return r.appendNode(address), nil
}

// MarkRemoveNode flags a node for graceful removal; its shards will be
// scheduled to move out on the next Redistribute.
func (r *Record) MarkRemoveNode(id int) error {
	if id < 0 || id >= len(r.Nodes) || r.Nodes[id].Address == "" {
		return fmt.Errorf("coordinator: no such node %d", id)
	}
	r.Nodes[id].Remove = true
	return nil
}

// RemoveNode empties a node's slot. Valid only once Shards and Future
// are both empty.
func (r *Record) RemoveNode(id int) error {
	if id < 0 || id >= len(r.Nodes) {
		return fmt.Errorf("coordinator: no such node %d", id)
	}
	n := &r.Nodes[id]
	if len(n.Shards) > 0 || len(n.Future) > 0 {
		return fmt.Errorf("coordinator: node %d still owns or awaits shards", id)
	}
	n.Address = ""
	n.Shards = make(map[uint32]struct{})
	n.Future = make(map[uint32]struct{})
	n.Remove = false
	return nil
}

// SetRunning transitions INIT -> RUNNING. Legal only once no node has a
// pending future (always true directly out of INIT).
func (r *Record) SetRunning() error {
	if r.State == StateRunning {
		return nil
	}
	if r.State != StateInit || r.hasPendingFuture() {
		return errors.New("coordinator: set_running requires INIT with no pending migrations")
	}
	r.State = StateRunning
	return nil
}

// SetMigrating transitions RUNNING -> MIGRATING.
func (r *Record) SetMigrating() error {
	if r.State != StateRunning {
		return errors.New("coordinator: set_migrating requires RUNNING state")
	}
	r.State = StateMigrating
	return nil
}

// Redistribute computes a target shard allocation across the active,
// non-removed roster (base = NumShards/n, extra = NumShards mod n, the
// first `extra` nodes by id get base+1) and schedules the diff against
// current ownership as moves: shard enters to.Future and stays in
// from.Shards, so from keeps owning it until GiveShard. Nodes marked Remove have every owned shard scheduled to
// move out, even past their fair share. Reports whether anything moved.
func (r *Record) Redistribute() bool {
	ids := r.activeNodeIDs(false)
	keep := r.activeNodeIDs(true)
	n := len(keep)

	target := make(map[int]int, len(ids))
	if n > 0 {
		base := int(r.NumShards) / n
		extra := int(r.NumShards) % n
		for i, id := range keep {
			count := base
			if i < extra {
				count++
			}
			target[id] = count
		}
	}
	for _, id := range ids {
		if _, ok := target[id]; !ok {
			target[id] = 0
		}
	}

	// current ownership, preferring to keep a shard where it already is
	owner := make(map[uint32]int, r.NumShards)
	for _, id := range ids {
		for s := range r.Nodes[id].Shards {
			owner[s] = id
		}
	}

	have := make(map[int]int, len(ids))
	for _, id := range ids {
		have[id] = len(r.Nodes[id].Shards)
	}

	// donors: nodes above target, by id for determinism
	donors := make([]int, 0)
	for _, id := range ids {
		if have[id] > target[id] {
			donors = append(donors, id)
		}
	}
	sort.Ints(donors)
	recipients := make([]int, 0)
	for _, id := range ids {
		if have[id] < target[id] {
			recipients = append(recipients, id)
		}
	}
	sort.Ints(recipients)

	moved := false
	ri := 0
	for _, from := range donors {
		deficit := have[from] - target[from]
		shards := r.Nodes[from].SortedShards()
		for _, shard := range shards {
			if deficit <= 0 {
				break
			}
			for ri < len(recipients) && have[recipients[ri]] >= target[recipients[ri]] {
				ri++
			}
			if ri >= len(recipients) {
				break
			}
			to := recipients[ri]
			r.Nodes[to].Future[shard] = struct{}{}
			have[from]--
			have[to]++
			deficit--
			moved = true
		}
	}
	return moved
}

// GiveShard moves shard from fromID's Shards into the Shards of the
// unique node awaiting it, which IndexForShard then reports as the
// owner; the shard also stays in that node's Future until MigrationOver
// confirms the import finished.
func (r *Record) GiveShard(fromID int, shard uint32) error {
	if fromID < 0 || fromID >= len(r.Nodes) {
		return fmt.Errorf("coordinator: no such node %d", fromID)
	}
	if _, ok := r.Nodes[fromID].Shards[shard]; !ok {
		return fmt.Errorf("coordinator: node %d does not own shard %d", fromID, shard)
	}
	toID := -1
	for id := range r.Nodes {
		if _, ok := r.Nodes[id].Future[shard]; ok {
			toID = id
			break
		}
	}
	if toID == -1 {
		return fmt.Errorf("coordinator: no node awaits shard %d", shard)
	}
	delete(r.Nodes[fromID].Shards, shard)
	r.Nodes[toID].Shards[shard] = struct{}{}
	return nil
}

// MigrationOver moves shard from its holder's Future into that node's
// Shards. When no node has any remaining Future entries, it also
// transitions to RUNNING and empties the slots of removed nodes that
// now own zero shards.
func (r *Record) MigrationOver(shard uint32) error {
	toID := -1
	for id := range r.Nodes {
		if _, ok := r.Nodes[id].Future[shard]; ok {
			toID = id
			break
		}
	}
	if toID == -1 {
		return fmt.Errorf("coordinator: no node awaits shard %d", shard)
	}
	delete(r.Nodes[toID].Future, shard)
	r.Nodes[toID].Shards[shard] = struct{}{}

	if !r.hasPendingFuture() {
		r.State = StateRunning
		for id := range r.Nodes {
			n := &r.Nodes[id]
			if n.Address != "" && n.Remove && len(n.Shards) == 0 && len(n.Future) == 0 {
				n.Address = ""
				n.Remove = false
			}
		}
	}
	return nil
}

// Tasks returns, from this record, the mapping peer node id -> shard ids
// that nodeID must fetch from that peer: every shard in nodeID's Future
// whose current owner (if any) is a different node.
func (r *Record) Tasks(nodeID int) map[int][]uint32 {
	if nodeID < 0 || nodeID >= len(r.Nodes) {
		return nil
	}
	out := make(map[int][]uint32)
	for shard := range r.Nodes[nodeID].Future {
		owner, ok := r.IndexForShard(shard)
		if !ok || owner == nodeID {
			continue
		}
		out[owner] = append(out[owner], shard)
	}
	for peer := range out {
		sort.Slice(out[peer], func(i, j int) bool { return out[peer][i] < out[peer][j] })
	}
	return out
}

// FormatShardRanges renders a sorted shard-id set as comma separated
// from-to inclusive ranges, e.g. "1-3,5,7-9".
func FormatShardRanges(shards []uint32) string {
	if len(shards) == 0 {
		return ""
	}
	var b strings.Builder
	start := shards[0]
	prev := shards[0]
	fmt.Fprintf(&b, "%d", start)
	inRange := false
	for _, s := range shards[1:] {
		if s == prev+1 {
			inRange = true
			prev = s
			continue
		}
		if inRange {
			fmt.Fprintf(&b, "-%d", prev)
			inRange = false
		}
		fmt.Fprintf(&b, ",%d", s)
		start = s
		prev = s
	}
	if inRange {
		fmt.Fprintf(&b, "-%d", prev)
	}
	_ = start
	return b.String()
}
