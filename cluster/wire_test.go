package cluster

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFrameRoundTrip verifies the 4-byte big-endian length-prefix framing.
func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	payload := []byte(`{"type":"heartbeat"}`)

	require.NoError(t, writeFrame(&buf, payload, DefaultMaxFrameSize))

	// Header carries the payload length, big endian.
	header := buf.Bytes()[:4]
	require.Equal(t, []byte{0, 0, 0, byte(len(payload))}, header)

	got, err := readFrame(bufio.NewReader(&buf), DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

// TestFrameTooLarge verifies both directions reject oversized frames.
func TestFrameTooLarge(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	big := make([]byte, 64)

	require.ErrorIs(t, writeFrame(&buf, big, 16), ErrFrameTooLarge)

	// A wire-announced length over the cap is rejected before any
	// payload is read.
	require.NoError(t, writeFrame(&buf, big, 1024))
	_, err := readFrame(bufio.NewReader(&buf), 16)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

// TestFramePartialRead verifies that a truncated stream surfaces an error
// rather than a short frame.
func TestFramePartialRead(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("hello world"), 1024))

	truncated := buf.Bytes()[:buf.Len()-3]
	_, err := readFrame(
		bufio.NewReader(bytes.NewReader(truncated)), 1024,
	)
	require.Error(t, err)
}

// TestEnvelopeRoundTrip verifies the typed payload codec.
func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	data, err := encodeEnvelope(msgNodeDown, nodeDownMsg{
		NodeID: "alpha@127.0.0.1:4000",
		Reason: ReasonGracefulShutdown,
	})
	require.NoError(t, err)

	env, err := decodeEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, msgNodeDown, env.Type)

	msg, err := decodePayload[nodeDownMsg](env)
	require.NoError(t, err)
	require.Equal(t, "alpha@127.0.0.1:4000", msg.NodeID)
	require.Equal(t, ReasonGracefulShutdown, msg.Reason)
}

// TestHandshakeProofs verifies the challenge-response helpers.
func TestHandshakeProofs(t *testing.T) {
	t.Parallel()

	challenge, err := newChallenge()
	require.NoError(t, err)
	require.Len(t, challenge, 64)

	proof := proveChallenge("s3cret", challenge)
	require.True(t, verifyProof("s3cret", challenge, proof))
	require.False(t, verifyProof("other", challenge, proof))
	require.False(t, verifyProof("s3cret", challenge, "bogus"))

	// No secret means empty proofs verify trivially.
	require.True(t, verifyProof("", challenge, proveChallenge(
		"", challenge,
	)))
}
