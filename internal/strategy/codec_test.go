package strategy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	tree := gate("g1",
		[]Condition{rsiBelow("SPY", 30)},
		[]*Node{position("p1", "TQQQ")},
		[]*Node{position("p2", "BIL")},
	)

	encoded, err := EncodePayload(tree)
	require.NoError(t, err)

	decoded, err := DecodePayload(encoded)
	require.NoError(t, err)
	assert.Equal(t, StructuralHash(tree), StructuralHash(decoded))
}

func TestDecodePlainJSON(t *testing.T) {
	tree := position("p1", "AAPL")
	raw, err := json.Marshal(tree)
	require.NoError(t, err)

	decoded, err := DecodePayload(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, decoded.Tickers)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodePayload([]byte("not json"))
	require.Error(t, err)

	_, err = DecodePayload(nil)
	require.Error(t, err)
}

func TestPayloadHashIgnoresCosmetics(t *testing.T) {
	a := gate("g1",
		[]Condition{rsiBelow("SPY", 30)},
		[]*Node{position("p1", "TQQQ")},
		[]*Node{position("p2", "BIL")},
	)
	b := Clone(a)
	b.ID = "renamed"
	b.Title = "My Strategy"
	b.Slot(SlotThen)[0].ID = "other-id"

	hashA, err := PayloadHash(a, "CC", 0)
	require.NoError(t, err)
	hashB, err := PayloadHash(b, "CC", 0)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)
	assert.Len(t, hashA, 16)
}

func TestPayloadHashCoversSettings(t *testing.T) {
	tree := position("p1", "AAPL")

	cc, err := PayloadHash(tree, "CC", 0)
	require.NoError(t, err)
	oc, err := PayloadHash(tree, "OC", 0)
	require.NoError(t, err)
	costed, err := PayloadHash(tree, "CC", 10)
	require.NoError(t, err)

	assert.NotEqual(t, cc, oc)
	assert.NotEqual(t, cc, costed)
}

func TestPayloadHashCoversSemantics(t *testing.T) {
	a := position("p1", "AAPL")
	b := position("p1", "MSFT")

	hashA, err := PayloadHash(a, "CC", 0)
	require.NoError(t, err)
	hashB, err := PayloadHash(b, "CC", 0)
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashB)
}

func TestPayloadHashTickerOrderInsensitive(t *testing.T) {
	a := position("p1", "AAPL", "MSFT")
	b := position("p1", "MSFT", "AAPL")

	hashA, err := PayloadHash(a, "CC", 0)
	require.NoError(t, err)
	hashB, err := PayloadHash(b, "CC", 0)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)
}
