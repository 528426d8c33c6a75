package resolver

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func ep(i int) Endpoint {
	return Endpoint{Protocol: "grpc", Port: uint16(1000 + i), Path: fmt.Sprintf("/svc%d", i)}
}

func TestRegisterLookupRoundTrip(t *testing.T) {
	tr := New()
	labels := []string{"prod", "payments", "ledger"}
	require.NoError(t, tr.Register(labels, ep(1)))

	got, ok := tr.Lookup(labels)
	require.True(t, ok)
	require.Equal(t, ep(1), got)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	tr := New()
	labels := []string{"prod", "payments"}
	require.NoError(t, tr.Register(labels, ep(1)))

	err := tr.Register(labels, ep(2))
	require.Error(t, err)
	var rerr *ResolverError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, ErrAlreadyPresent, rerr.Code)
}

func TestLookupMissingReturnsFalse(t *testing.T) {
	tr := New()
	_, ok := tr.Lookup([]string{"nope"})
	require.False(t, ok)
}

func TestUnregisterRemovesEntry(t *testing.T) {
	tr := New()
	labels := []string{"staging", "auth"}
	require.NoError(t, tr.Register(labels, ep(1)))

	require.True(t, tr.Unregister(labels))
	_, ok := tr.Lookup(labels)
	require.False(t, ok)
}

func TestUnregisterMissingReturnsFalse(t *testing.T) {
	tr := New()
	require.False(t, tr.Unregister([]string{"nowhere"}))
}

func TestSearchPatternFiltersByPrefixAndPredicate(t *testing.T) {
	tr := New()
	entries := [][]string{
		{"prod", "payments", "ledger"},
		{"prod", "payments", "refunds"},
		{"prod", "inventory", "stock"},
		{"staging", "payments", "ledger"},
	}
	for i, l := range entries {
		require.NoError(t, tr.Register(l, ep(i)))
	}

	got := tr.SearchPattern([]string{"prod", "payments"}, nil, nil)
	require.Len(t, got, 2)
	for _, r := range got {
		require.Equal(t, "prod", r.Labels[0])
		require.Equal(t, "payments", r.Labels[1])
	}
}

func TestSearchPatternResumesAfterCursor(t *testing.T) {
	tr := New()
	entries := [][]string{
		{"a"}, {"b"}, {"c"}, {"d"},
	}
	for i, l := range entries {
		require.NoError(t, tr.Register(l, ep(i)))
	}

	first := tr.SearchPattern(nil, nil, nil)
	require.Len(t, first, 4)

	resumed := tr.SearchPattern(nil, first[1].Labels, nil)
	require.Len(t, resumed, 2)
	require.Equal(t, []string{"c"}, resumed[0].Labels)
}

// checkAVLInvariant walks the tree verifying every node's balance factor is
// within [-1, 1] and heights are consistent, failing the test otherwise.
func checkAVLInvariant(t *testing.T, n *node) int {
	t.Helper()
	if n == nil {
		return 0
	}
	lh := checkAVLInvariant(t, n.left)
	rh := checkAVLInvariant(t, n.right)
	bf := lh - rh
	require.LessOrEqualf(t, bf, 1, "node %v balance factor %d", n.labels, bf)
	require.GreaterOrEqualf(t, bf, -1, "node %v balance factor %d", n.labels, bf)
	h := lh
	if rh > h {
		h = rh
	}
	return h + 1
}

// checkRBInvariant verifies no red node has a red child and every path from
// n to a nil leaf carries the same black-node count, returning that count.
func checkRBInvariant(t *testing.T, n *node) int {
	t.Helper()
	if n == nil {
		return 1
	}
	if n.color == Red {
		require.NotEqual(t, Red, colorOf(n.left), "red node %v has red left child", n.labels)
		require.NotEqual(t, Red, colorOf(n.right), "red node %v has red right child", n.labels)
	}
	lb := checkRBInvariant(t, n.left)
	rb := checkRBInvariant(t, n.right)
	require.Equalf(t, lb, rb, "node %v unequal black heights %d vs %d", n.labels, lb, rb)
	if n.color == Black {
		return lb + 1
	}
	return lb
}

func checkInOrder(t *testing.T, tr *Tree) {
	t.Helper()
	var prev *node
	var walk func(n *node)
	walk = func(n *node) {
		if n == nil {
			return
		}
		walk(n.left)
		if prev != nil {
			require.Less(t, compareLabels(prev.labels, n.labels), 0)
		}
		prev = n
		walk(n.right)
	}
	walk(tr.root)
}

func TestAVLInvariantHoldsUnderRandomInsertDelete(t *testing.T) {
	tr := New()
	rng := rand.New(rand.NewSource(7))
	present := map[string][]string{}

	for i := 0; i < 500; i++ {
		labels := []string{"ns", fmt.Sprintf("svc%d", rng.Intn(200))}
		key := fmt.Sprintf("%v", labels)
		if rng.Intn(4) == 0 && len(present) > 0 {
			for k, l := range present {
				tr.Unregister(l)
				delete(present, k)
				break
			}
			continue
		}
		if _, ok := present[key]; ok {
			continue
		}
		require.NoError(t, tr.Register(labels, ep(i)))
		present[key] = labels
	}

	// Sustained one-directional write pressure on the root may legitimately
	// flip mode_tag partway through (§4.5): whichever discipline is active
	// at the end must still hold its own invariant.
	if tr.mode == ModeStrict {
		checkAVLInvariant(t, tr.root)
	} else {
		checkRBInvariant(t, tr.root)
	}
	checkInOrder(t, tr)
}

func TestRelaxedModeInvariantHoldsAfterForcedRebuild(t *testing.T) {
	tr := New()
	for i := 0; i < 50; i++ {
		require.NoError(t, tr.Register([]string{"ns", fmt.Sprintf("svc%d", i)}, ep(i)))
	}

	tr.rebuildAs(ModeRelaxed)
	require.Equal(t, Black, colorOf(tr.root))
	checkRBInvariant(t, tr.root)
	checkInOrder(t, tr)

	for i := 0; i < 50; i += 3 {
		tr.Unregister([]string{"ns", fmt.Sprintf("svc%d", i)})
	}
	checkRBInvariant(t, tr.root)
	checkInOrder(t, tr)
}

func TestMaybeSwitchModeGoesRelaxedUnderWriteHeavyWindow(t *testing.T) {
	tr := New()
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Register([]string{"ns", fmt.Sprintf("svc%d", i)}, ep(i)))
	}
	require.Equal(t, ModeStrict, tr.mode)

	// Force the root's window into write-heavy territory directly, rather
	// than relying on enough Register calls to land on whichever node the
	// AVL rotations happen to have promoted to root.
	tr.root.window.reset()
	for i := uint64(0); i < windowResetThreshold; i++ {
		tr.root.window.recordWrite()
	}
	tr.maybeSwitchMode()

	require.Equal(t, ModeRelaxed, tr.mode)
	checkRBInvariant(t, tr.root)
	checkInOrder(t, tr)
}

func TestMaybeSwitchModeGoesStrictUnderReadHeavyWindow(t *testing.T) {
	tr := New()
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Register([]string{"ns", fmt.Sprintf("svc%d", i)}, ep(i)))
	}
	tr.rebuildAs(ModeRelaxed)
	require.Equal(t, ModeRelaxed, tr.mode)

	tr.root.window.reset()
	for i := uint64(0); i < windowResetThreshold; i++ {
		tr.root.window.recordRead()
	}
	tr.maybeSwitchMode()

	require.Equal(t, ModeStrict, tr.mode)
	checkAVLInvariant(t, tr.root)
	checkInOrder(t, tr)
}

func TestRebalancePromotesHotNodesWithoutLosingEntries(t *testing.T) {
	tr := New()
	var all [][]string
	for i := 0; i < 20; i++ {
		labels := []string{"ns", fmt.Sprintf("svc%d", i)}
		require.NoError(t, tr.Register(labels, ep(i)))
		all = append(all, labels)
	}

	hot := all[:4]
	for i := 0; i < 200; i++ {
		for _, l := range hot {
			_, ok := tr.Lookup(l)
			require.True(t, ok)
		}
	}

	tr.Rebalance()

	for i, l := range all {
		got, ok := tr.Lookup(l)
		require.True(t, ok)
		require.Equal(t, ep(i), got)
	}
	checkInOrder(t, tr)
}

func TestRegisterCanonicalizesCaseAndSeparators(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Register([]string{"Prod", "Payments-Ledger"}, ep(1)))

	got, ok := tr.Lookup([]string{"prod", "payments_ledger"})
	require.True(t, ok)
	require.Equal(t, ep(1), got)

	got, ok = tr.Lookup([]string{"PROD", "payments ledger"})
	require.True(t, ok)
	require.Equal(t, ep(1), got)
}

func TestRegisterRejectsEmptyLabel(t *testing.T) {
	tr := New()
	err := tr.Register([]string{"prod", ""}, ep(1))
	require.Error(t, err)
	var rerr *ResolverError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, ErrEmptyLabel, rerr.Code)
}

func TestRegisterRejectsOverlongLabel(t *testing.T) {
	tr := New()
	long := make([]byte, maxLabelLength+1)
	for i := range long {
		long[i] = 'a'
	}
	err := tr.Register([]string{string(long)}, ep(1))
	require.Error(t, err)
	var rerr *ResolverError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, ErrLabelTooLong, rerr.Code)
}

func TestCompareLabelsOrdersShorterPrefixFirst(t *testing.T) {
	require.Less(t, compareLabels([]string{"a"}, []string{"a", "b"}), 0)
	require.Greater(t, compareLabels([]string{"a", "b"}, []string{"a"}), 0)
	require.Equal(t, 0, compareLabels([]string{"a", "b"}, []string{"a", "b"}))
	require.Less(t, compareLabels([]string{"a"}, []string{"b"}), 0)
}
