// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mellofs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChecksumVerifyRoundTrip(t *testing.T) {
	data := []byte("transaction group eight step commit")
	sum := Checksum(data)
	require.True(t, Verify(data, sum))
}

func TestChecksumSingleBitFlipFailsVerify(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	sum := Checksum(data)

	flipped := append([]byte(nil), data...)
	flipped[2] ^= 0x01
	require.False(t, Verify(flipped, sum), "a single flipped bit must fail verification")
}

func TestChecksumBuilderMatchesOneShot(t *testing.T) {
	a, b := []byte("first half "), []byte("second half")

	builder := NewChecksumBuilder()
	builder.Write(a)
	builder.Write(b)

	require.Equal(t, Checksum(append(append([]byte{}, a...), b...)), builder.Sum())
}
