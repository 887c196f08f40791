package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectConversationID_IsUnordered(t *testing.T) {
	req := require.New(t)
	req.Equal(DirectConversationID("alice", "bob"), DirectConversationID("bob", "alice"))
	req.Equal("dm:alice:bob", DirectConversationID("bob", "alice"))
}

func TestNormalizeParticipants(t *testing.T) {
	req := require.New(t)
	got := NormalizeParticipants([]Identity{"carol", "alice", "", "carol", "  ", "bob"})
	req.Equal([]Identity{"alice", "bob", "carol"}, got)
}

func TestConversation_Recipients(t *testing.T) {
	req := require.New(t)
	c := Conversation{ID: "g1", Kind: KindGroup, Participants: []Identity{"alice", "bob", "carol"}}
	req.Equal([]Identity{"bob", "carol"}, c.Recipients("alice"))
	req.True(c.HasParticipant("carol"))
	req.False(c.HasParticipant("dave"))
}

func TestDeliveryState_CanTransition(t *testing.T) {
	cases := []struct {
		from, to DeliveryState
		ok       bool
	}{
		{StatePending, StateDelivered, true},
		{StatePending, StateAcked, true},
		{StateDelivered, StateAcked, true},
		{StateDelivered, StatePending, true},
		{StateAcked, StatePending, false},
		{StateAcked, StateDelivered, false},
		{StatePending, StatePending, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			require.Equal(t, tc.ok, tc.from.CanTransition(tc.to))
		})
	}
}
