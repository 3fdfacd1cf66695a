package stream

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/streamberry/types"
)

func encodedPart(t *testing.T, part *types.ProposalPart) []byte {
	t.Helper()
	data, err := types.EncodeProposalPart(part)
	require.NoError(t, err)
	return data
}

// proposalMessages builds the full wire sequence for a one-batch proposal:
// ids 0..2 carry [init, batch, fin], id 3 is the Fin marker.
func proposalMessages(t *testing.T, streamID uint64, height uint64, round uint32, payload string) ([]*types.StreamMessage, types.Hash) {
	t.Helper()

	batch := types.TransactionBatch{
		Transactions: []types.Tx{{Data: []byte(payload)}},
	}
	cid, err := types.ContentID([]types.TransactionBatch{batch})
	require.NoError(t, err)

	init := types.ProposalInit{Height: height, Round: round}
	parts := []*types.ProposalPart{
		{Init: &init},
		{Transactions: &batch},
		{Fin: &types.ProposalFin{ContentID: cid}},
	}

	msgs := make([]*types.StreamMessage, 0, len(parts)+1)
	for i, part := range parts {
		msgs = append(msgs, &types.StreamMessage{
			StreamID:  streamID,
			MessageID: uint64(i),
			Content:   encodedPart(t, part),
		})
	}
	msgs = append(msgs, &types.StreamMessage{
		StreamID:  streamID,
		MessageID: uint64(len(parts)),
		Fin:       true,
	})
	return msgs, cid
}

// permutations returns every ordering of [0, n).
func permutations(n int) [][]int {
	base := make([]int, n)
	for i := range base {
		base[i] = i
	}
	var out [][]int
	var permute func(k int)
	permute = func(k int) {
		if k == n {
			out = append(out, append([]int(nil), base...))
			return
		}
		for i := k; i < n; i++ {
			base[k], base[i] = base[i], base[k]
			permute(k + 1)
			base[k], base[i] = base[i], base[k]
		}
	}
	permute(0)
	return out
}

func TestReassemblerInOrder(t *testing.T) {
	msgs, _ := proposalMessages(t, 1, 5, 0, "in order")
	r := NewReassembler(1)

	var got []*types.ProposalPart
	for i, msg := range msgs {
		parts, done, err := r.Add(msg)
		require.NoError(t, err)
		got = append(got, parts...)
		require.Equal(t, i == len(msgs)-1, done)
	}

	require.Len(t, got, 3)
	require.NotNil(t, got[0].Init)
	require.NotNil(t, got[1].Transactions)
	require.NotNil(t, got[2].Fin)
	require.True(t, r.Done())
}

func TestReassemblerAllPermutations(t *testing.T) {
	msgs, _ := proposalMessages(t, 7, 3, 1, "any order")

	for _, perm := range permutations(len(msgs)) {
		r := NewReassembler(7)
		var got []*types.ProposalPart
		doneCount := 0

		for _, i := range perm {
			parts, done, err := r.Add(msgs[i])
			require.NoError(t, err, "permutation %v", perm)
			got = append(got, parts...)
			if done {
				doneCount++
			}
		}

		require.Equal(t, 1, doneCount, "permutation %v", perm)
		require.Len(t, got, 3, "permutation %v", perm)
		require.NotNil(t, got[0].Init)
		require.NotNil(t, got[1].Transactions)
		require.NotNil(t, got[2].Fin)
	}
}

func TestReassemblerGapNeverTerminates(t *testing.T) {
	msgs, _ := proposalMessages(t, 2, 1, 0, "gap")
	r := NewReassembler(2)

	// Everything except id 1 arrives; the stream must stay open.
	for _, i := range []int{0, 2, 3} {
		_, done, err := r.Add(msgs[i])
		require.NoError(t, err)
		require.False(t, done)
	}
	require.False(t, r.Done())

	// The straggler completes it.
	parts, done, err := r.Add(msgs[1])
	require.NoError(t, err)
	require.True(t, done)
	require.Len(t, parts, 2)
}

func TestReassemblerFinBeforeDeliveredContent(t *testing.T) {
	msgs, _ := proposalMessages(t, 3, 1, 0, "early fin")
	r := NewReassembler(3)

	for _, i := range []int{0, 1} {
		_, _, err := r.Add(msgs[i])
		require.NoError(t, err)
	}

	// A Fin marker at an already-consumed id contradicts the delivered
	// content.
	_, _, err := r.Add(&types.StreamMessage{StreamID: 3, MessageID: 1, Fin: true})
	require.ErrorIs(t, err, ErrMalformedStream)
}

func TestReassemblerConflictingFins(t *testing.T) {
	r := NewReassembler(4)

	_, _, err := r.Add(&types.StreamMessage{StreamID: 4, MessageID: 5, Fin: true})
	require.NoError(t, err)

	_, _, err = r.Add(&types.StreamMessage{StreamID: 4, MessageID: 6, Fin: true})
	require.ErrorIs(t, err, ErrMalformedStream)
}

func TestReassemblerDropsDuplicates(t *testing.T) {
	msgs, _ := proposalMessages(t, 5, 1, 0, "dupes")
	r := NewReassembler(5)

	_, _, err := r.Add(msgs[2]) // buffered out of order
	require.NoError(t, err)
	parts, done, err := r.Add(msgs[2]) // duplicate of a buffered id
	require.NoError(t, err)
	require.Empty(t, parts)
	require.False(t, done)

	_, _, err = r.Add(msgs[0])
	require.NoError(t, err)
	parts, done, err = r.Add(msgs[0]) // duplicate of a consumed id
	require.NoError(t, err)
	require.Empty(t, parts)
	require.False(t, done)
}

func TestReassemblerIdempotentAfterDone(t *testing.T) {
	msgs, _ := proposalMessages(t, 6, 1, 0, "closed")
	r := NewReassembler(6)
	for _, msg := range msgs {
		_, _, err := r.Add(msg)
		require.NoError(t, err)
	}
	require.True(t, r.Done())

	// Late and duplicate traffic after termination is silently dropped,
	// including a conflicting Fin.
	for _, msg := range msgs {
		parts, done, err := r.Add(msg)
		require.NoError(t, err)
		require.Empty(t, parts)
		require.False(t, done)
	}
	parts, done, err := r.Add(&types.StreamMessage{StreamID: 6, MessageID: 99, Fin: true})
	require.NoError(t, err)
	require.Empty(t, parts)
	require.False(t, done)
}

func TestReassemblerWindowOverflow(t *testing.T) {
	msgs, _ := proposalMessages(t, 8, 1, 0, "window")
	r := NewReassembler(8)

	// Ids 1..MaxBufferedMessages buffer without delivering (id 0 never
	// arrives); one more overflows the window.
	content := msgs[1].Content
	for id := uint64(1); id <= MaxBufferedMessages; id++ {
		_, _, err := r.Add(&types.StreamMessage{StreamID: 8, MessageID: id, Content: content})
		require.NoError(t, err)
	}
	_, _, err := r.Add(&types.StreamMessage{
		StreamID: 8, MessageID: MaxBufferedMessages + 1, Content: content,
	})
	require.ErrorIs(t, err, ErrMalformedStream)
}

func TestReassemblerRejectsForeignStream(t *testing.T) {
	msgs, _ := proposalMessages(t, 9, 1, 0, "foreign")
	r := NewReassembler(10)

	_, _, err := r.Add(msgs[0])
	require.ErrorIs(t, err, ErrMalformedStream)
}

func TestReassemblerUndecodablePart(t *testing.T) {
	r := NewReassembler(11)

	_, _, err := r.Add(&types.StreamMessage{
		StreamID:  11,
		MessageID: 0,
		Content:   []byte{0xde, 0xad, 0xbe, 0xef},
	})
	require.ErrorIs(t, err, ErrMalformedStream)
	require.True(t, r.Done(), "a malformed stream is terminated")
}
