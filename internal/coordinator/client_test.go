package coordinator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	r := NewRecord()
	_, err := r.AddNodeWithNewShards("a:1", 8)
	require.NoError(t, err)
	require.NoError(t, r.SetRunning())
	_, _ = r.AddNode("b:1")
	r.Redistribute()

	data, err := serializeRecord(r)
	require.NoError(t, err)

	back, err := parseRecord(data)
	require.NoError(t, err)

	require.Equal(t, r.State, back.State)
	require.Equal(t, r.NumShards, back.NumShards)
	require.Equal(t, len(r.Nodes), len(back.Nodes))
	for i := range r.Nodes {
		require.Equal(t, r.Nodes[i].Address, back.Nodes[i].Address)
		require.Equal(t, r.Nodes[i].SortedShards(), back.Nodes[i].SortedShards())
		require.Equal(t, r.Nodes[i].SortedFuture(), back.Nodes[i].SortedFuture())
	}
}
