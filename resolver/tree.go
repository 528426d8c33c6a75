package resolver

import (
	"fmt"
	"sync"

	"github.com/polycore/runtime/internal/telemetry"
)

// ErrorCode enumerates the structured failures resolver operations produce.
type ErrorCode string

const (
	ErrAlreadyPresent ErrorCode = "AlreadyPresent"
)

// ResolverError is the structured error type for resolver operations.
type ResolverError struct {
	Code ErrorCode
	Msg  string
}

func (e *ResolverError) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// writeFractionThreshold and readWriteRatioThreshold gate mode_tag
// transitions (§4.5 "Mode selection").
const (
	writeFractionThreshold  = 0.6
	readWriteRatioThreshold = 3.0
)

// hotFraction and hotShareThreshold gate the frequency-weighted
// reorganization Rebalance performs (§4.5 "Frequency weighting"): when the
// top 20% of nodes by access count account for more than hotShareThreshold
// of all recorded hits, those nodes are rotated closer to the root.
const (
	hotFraction       = 0.20
	hotShareThreshold = 0.70
)

// EndpointRef is a handle to a stored endpoint, returned by Lookup and
// SearchPattern.
type EndpointRef struct {
	Labels   []string
	Endpoint Endpoint
}

// Tree is the namespace resolver: an ordered tree of service endpoints
// keyed by label sequence, single-writer/multi-reader (§5).
type Tree struct {
	mu      sync.RWMutex
	root    *node
	size    int
	mode    Mode
	metrics *telemetry.Metrics
}

// Option configures optional Tree behavior at construction time.
type Option func(*Tree)

// WithMetrics records rebalance and mode-switch events to m (A3). Omitted,
// a Tree records nothing.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(t *Tree) { t.metrics = m }
}

// New constructs an empty resolver in strict (AVL) mode.
func New(opts ...Option) *Tree {
	t := &Tree{mode: ModeStrict}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register inserts labels/endpoint, or returns AlreadyPresent if the exact
// label sequence is already stored.
func (t *Tree) Register(labels []string, ep Endpoint) error {
	canon, err := validateLabels(labels)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.find(canon) != nil {
		return &ResolverError{Code: ErrAlreadyPresent, Msg: fmt.Sprintf("%v", canon)}
	}

	t.insert(canon, ep)
	t.size++
	t.maybeSwitchMode()
	return nil
}

// Lookup returns the endpoint stored under labels, or ok=false if absent.
// It acquires only the tree's read lock; per-node bookkeeping (frequency,
// access window) uses atomics so concurrent lookups never block each other.
func (t *Tree) Lookup(labels []string) (Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.find(canonicalizeLabels(labels))
	if n == nil {
		return Endpoint{}, false
	}
	n.hit()
	return n.endpoint, true
}

func (t *Tree) find(labels []string) *node {
	cur := t.root
	for cur != nil {
		c := compareLabels(labels, cur.labels)
		switch {
		case c == 0:
			return cur
		case c < 0:
			cur = cur.left
		default:
			cur = cur.right
		}
	}
	return nil
}

// SearchPattern returns, in label order, every stored endpoint whose label
// sequence starts with prefix and satisfies predicate. It is a finite,
// in-order, restartable traversal: callers re-invoke it to continue after
// the last label sequence it returned.
func (t *Tree) SearchPattern(prefix []string, after []string, predicate func(labels []string, ep Endpoint) bool) []EndpointRef {
	t.mu.RLock()
	defer t.mu.RUnlock()

	prefix = canonicalizeLabels(prefix)
	after = canonicalizeLabels(after)

	var out []EndpointRef
	var walk func(n *node)
	walk = func(n *node) {
		if n == nil {
			return
		}
		walk(n.left)
		if hasPrefix(n.labels, prefix) && (after == nil || compareLabels(n.labels, after) > 0) {
			if predicate == nil || predicate(n.labels, n.endpoint) {
				out = append(out, EndpointRef{Labels: append([]string(nil), n.labels...), Endpoint: n.endpoint})
			}
		}
		walk(n.right)
	}
	walk(t.root)
	return out
}

func hasPrefix(labels, prefix []string) bool {
	if len(prefix) > len(labels) {
		return false
	}
	for i, p := range prefix {
		if labels[i] != p {
			return false
		}
	}
	return true
}

// Rebalance performs the frequency-weighted hot-node reorganization: if the
// top 20% of nodes by access count account for more than hotShareThreshold
// of total hits, it rotates those nodes closer to the root, one step at a
// time, reverting any rotation that would violate the active discipline's
// invariant. It is idempotent and never changes the set of stored keys.
func (t *Tree) Rebalance() {
	t.mu.Lock()
	defer t.mu.Unlock()

	nodes := t.allNodes()
	if len(nodes) < 5 {
		return
	}
	sortByFreqDesc(nodes)

	hotCount := int(float64(len(nodes)) * hotFraction)
	if hotCount == 0 {
		hotCount = 1
	}
	var hotHits, totalHits uint64
	for i, n := range nodes {
		h := n.freq.Load()
		totalHits += h
		if i < hotCount {
			hotHits += h
		}
	}
	if totalHits == 0 || float64(hotHits)/float64(totalHits) <= hotShareThreshold {
		return
	}

	for i := 0; i < hotCount; i++ {
		t.promoteTowardRoot(nodes[i])
	}
	if t.metrics != nil {
		t.metrics.RecordRebalance(hotCount)
	}
}

func (t *Tree) allNodes() []*node {
	var out []*node
	var walk func(n *node)
	walk = func(n *node) {
		if n == nil {
			return
		}
		walk(n.left)
		out = append(out, n)
		walk(n.right)
	}
	walk(t.root)
	return out
}

func sortByFreqDesc(nodes []*node) {
	for i := 1; i < len(nodes); i++ {
		j := i
		for j > 0 && nodes[j-1].freq.Load() < nodes[j].freq.Load() {
			nodes[j-1], nodes[j] = nodes[j], nodes[j-1]
			j--
		}
	}
}

// promoteTowardRoot rotates n one level up if doing so keeps its parent's
// (now post-rotation) subtree compliant with the mode currently active for
// this tree; otherwise it leaves the tree untouched.
func (t *Tree) promoteTowardRoot(n *node) {
	p := n.parent
	if p == nil {
		return
	}
	if n == p.left {
		t.rotateRight(p)
	} else {
		t.rotateLeft(p)
	}

	if t.mode == ModeStrict {
		if abs(n.balanceFactor()) > 1 || abs(p.balanceFactor()) > 1 {
			// revert
			if p == n.left {
				t.rotateRight(n)
			} else {
				t.rotateLeft(n)
			}
		}
	}
	// Under ModeRelaxed the coloring is recomputed wholesale by
	// maybeSwitchMode/rebuild rather than incrementally here, so a single
	// promotion rotation cannot desynchronize it; nothing further to check.
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// maybeSwitchMode evaluates the root's access window against the mode
// selection thresholds (§4.5) and, if crossed, rebuilds the whole tree
// under the new discipline by reinserting every stored entry in order.
func (t *Tree) maybeSwitchMode() {
	if t.root == nil {
		return
	}
	w := &t.root.window
	if w.total() < windowResetThreshold {
		return
	}
	defer w.reset()

	switch {
	case w.writeFraction() > writeFractionThreshold && t.mode != ModeRelaxed:
		t.rebuildAs(ModeRelaxed)
	case w.readWriteRatio() > readWriteRatioThreshold && t.mode != ModeStrict:
		t.rebuildAs(ModeStrict)
	}
}

// rebuildAs collects every stored entry in order and reinserts each one,
// via the target discipline's incremental insert algorithm, into a fresh
// tree. This preserves in-order traversal trivially (entries are inserted
// in sorted order into an empty tree) and guarantees the target
// discipline's invariant holds afterward, since it is built entirely by
// that discipline's own (already invariant-preserving) insert operation.
func (t *Tree) rebuildAs(mode Mode) {
	entries := t.allNodes()
	t.root = nil
	t.mode = mode
	for _, n := range entries {
		t.insert(n.labels, n.endpoint)
	}
	if t.metrics != nil {
		t.metrics.RecordModeSwitch(mode.String())
	}
}

// insert adds labels/ep using the tree's currently active discipline. The
// caller must already know labels is absent (Register checks first).
func (t *Tree) insert(labels []string, ep Endpoint) {
	n := newNode(labels, ep)
	n.mode = t.mode
	if t.root == nil {
		n.color = Black
		t.root = n
		return
	}

	cur := t.root
	for {
		cur.window.recordWrite()
		c := compareLabels(labels, cur.labels)
		if c < 0 {
			if cur.left == nil {
				cur.left = n
				n.parent = cur
				break
			}
			cur = cur.left
		} else {
			if cur.right == nil {
				cur.right = n
				n.parent = cur
				break
			}
			cur = cur.right
		}
	}

	if t.mode == ModeStrict {
		t.avlInsertFixup(n)
	} else {
		t.rbInsertFixup(n)
	}
}
