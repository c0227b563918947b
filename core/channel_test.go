package core

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelID(t *testing.T) {
	ch := Channel{
		Participants: []common.Address{
			common.HexToAddress("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"),
			common.HexToAddress("0x2B5AD5c4795c026514f8317c7a215E218DcCD6cF"),
		},
		Adjudicator: common.HexToAddress("0x2e234DAe75C793f67A35089C9d99245E1C58470b"),
		Challenge:   3600,
		Nonce:       1,
	}

	channelID, err := ChannelID(ch, 31337)
	require.NoError(t, err)
	require.Equal(t, "0x55100d2206d2f305bf5c19cc2b4347f6d962308bb5211b7a1e88d674aa866ff4", channelID.Hex())
}

func TestChannelIDParticipantOrder(t *testing.T) {
	a := common.HexToAddress("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf")
	b := common.HexToAddress("0x2B5AD5c4795c026514f8317c7a215E218DcCD6cF")
	adjudicator := common.HexToAddress("0x2e234DAe75C793f67A35089C9d99245E1C58470b")

	forward := Channel{Participants: []common.Address{a, b}, Adjudicator: adjudicator, Challenge: 3600, Nonce: 1}
	reversed := Channel{Participants: []common.Address{b, a}, Adjudicator: adjudicator, Challenge: 3600, Nonce: 1}

	forwardID, err := ChannelID(forward, 31337)
	require.NoError(t, err)
	reversedID, err := ChannelID(reversed, 31337)
	require.NoError(t, err)
	assert.NotEqual(t, forwardID, reversedID)
}

func TestChannelIDDependsOnDefinition(t *testing.T) {
	base := Channel{
		Participants: []common.Address{
			common.HexToAddress("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"),
			common.HexToAddress("0x2B5AD5c4795c026514f8317c7a215E218DcCD6cF"),
		},
		Adjudicator: common.HexToAddress("0x2e234DAe75C793f67A35089C9d99245E1C58470b"),
		Challenge:   3600,
		Nonce:       1,
	}
	baseID, err := ChannelID(base, 31337)
	require.NoError(t, err)

	otherChain, err := ChannelID(base, 137)
	require.NoError(t, err)
	assert.NotEqual(t, baseID, otherChain)

	bumped := base
	bumped.Nonce = 2
	bumpedID, err := ChannelID(bumped, 31337)
	require.NoError(t, err)
	assert.NotEqual(t, baseID, bumpedID)

	longer := base
	longer.Challenge = 7200
	longerID, err := ChannelID(longer, 31337)
	require.NoError(t, err)
	assert.NotEqual(t, baseID, longerID)
}

func TestChannelStatusString(t *testing.T) {
	assert.Equal(t, "void", StatusVoid.String())
	assert.Equal(t, "initial", StatusInitial.String())
	assert.Equal(t, "active", StatusActive.String())
	assert.Equal(t, "dispute", StatusDispute.String())
	assert.Equal(t, "final", StatusFinal.String())
	assert.Equal(t, "unknown", ChannelStatus(42).String())
}
