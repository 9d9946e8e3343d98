package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChecksumArithmetic(t *testing.T) {
	// Additions wrap at 2³².
	var c = Checksum(0xffffffff)
	require.Equal(t, Checksum(2), c.Add(3))
	require.Equal(t, Checksum(0xffffffff), Checksum(2).Sub(3))
	require.Equal(t, Checksum(0), c.Add(1))
}

func TestChecksumSignedRoundTrip(t *testing.T) {
	// Accumulators are stored as signed integers in ps_buckets.
	for _, c := range []Checksum{0, 1, 0x7fffffff, 0x80000000, 0xffffffff} {
		require.Equal(t, c, ChecksumFromSigned(c.SignedBits()))
	}
	require.Equal(t, int64(-1), Checksum(0xffffffff).SignedBits())
}

func TestChecksumString(t *testing.T) {
	require.Equal(t, "0x000004d2", Checksum(1234).String())
	require.Equal(t, "0x000010e1", Checksum(4321).String())
	require.Equal(t, "0xffffffff", Checksum(0xffffffff).String())
}
