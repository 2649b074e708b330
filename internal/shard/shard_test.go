package shard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRefUnrefBasic(t *testing.T) {
	s := NewShard(1, nil)
	require.True(t, s.Ref())
	s.Unref()
}

func TestUnrefDrainBlocksFurtherRefs(t *testing.T) {
	s := NewShard(1, nil)
	require.True(t, s.Ref())

	zero := s.UnrefDrain()
	require.False(t, zero, "self-ref dropped but the extra Ref is still outstanding")
	require.False(t, s.Ref(), "Ref must fail once draining")
}

func TestUnrefDrainAlreadyIdle(t *testing.T) {
	s := NewShard(1, nil)
	zero := s.UnrefDrain()
	require.True(t, zero, "no outstanding refs beyond the self-reference")
}

func TestWaitRefsUnblocksAfterLastUnref(t *testing.T) {
	s := NewShard(1, nil)
	require.True(t, s.Ref())

	done := make(chan struct{})
	go func() {
		s.WaitRefs()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitRefs returned before drain")
	case <-time.After(20 * time.Millisecond):
	}

	s.UnrefDrain()
	s.Unref()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitRefs did not unblock after refs reached zero")
	}
}

func TestImportingNeedsProxy(t *testing.T) {
	s := NewShard(2, nil)
	s.SetImporting(true)
	s.SetOldAddress("old:1")
	s.SetLargestKey([]byte("m"))

	require.True(t, s.NeedsProxy([]byte("z")))
	require.False(t, s.NeedsProxy([]byte("a")))

	s.SetImporting(false)
	require.False(t, s.NeedsProxy([]byte("z")))
}

func TestTableAddAtRemove(t *testing.T) {
	table := NewTable()
	require.True(t, table.Empty())

	s := NewShard(3, nil)
	table.Add(s)
	got, ok := table.At(3)
	require.True(t, ok)
	require.Same(t, s, got)
	require.False(t, table.Empty())

	table.Remove(3)
	_, ok = table.At(3)
	require.False(t, ok)
	require.True(t, table.Empty())
}

func TestTableShardIDs(t *testing.T) {
	table := NewTable()
	table.Add(NewShard(1, nil))
	table.Add(NewShard(2, nil))

	ids := table.ShardIDs()
	require.Len(t, ids, 2)
	require.ElementsMatch(t, []uint32{1, 2}, ids)
}
