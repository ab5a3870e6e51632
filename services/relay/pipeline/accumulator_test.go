// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainAccumulator_HashMatchesContent(t *testing.T) {
	acc := newPlainAccumulator()

	require.NoError(t, acc.Write("Jon Jones "))
	require.NoError(t, acc.Write("leads the division."))

	answer, answerHash, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Jon Jones leads the division.", answer)

	sum := sha256.Sum256([]byte(answer))
	assert.Equal(t, hex.EncodeToString(sum[:]), answerHash)
}

func TestPlainAccumulator_UnusableAfterFinalize(t *testing.T) {
	acc := newPlainAccumulator()
	require.NoError(t, acc.Write("data"))

	_, _, err := acc.Finalize()
	require.NoError(t, err)

	assert.Error(t, acc.Write("more"))
	_, _, err = acc.Finalize()
	assert.Error(t, err)
}

func TestPlainAccumulator_DestroyIsIdempotent(t *testing.T) {
	acc := newPlainAccumulator()
	require.NoError(t, acc.Write("data"))

	acc.Destroy()
	acc.Destroy()
	assert.Error(t, acc.Write("more"))
}

func TestPlainAccumulator_OverflowPoisons(t *testing.T) {
	acc := newPlainAccumulator()

	big := strings.Repeat("x", AccumulatorBufferSize)
	require.NoError(t, acc.Write(big))
	require.Error(t, acc.Write("one more byte"))

	_, _, err := acc.Finalize()
	assert.Error(t, err, "an overflowed buffer must not produce a partial answer")
}

func TestPlainAccumulator_HasID(t *testing.T) {
	a := newPlainAccumulator()
	b := newPlainAccumulator()
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}
