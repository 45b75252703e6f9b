package queue

import (
	"bytes"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobEncoding(t *testing.T) {
	t.Parallel()

	job := IssuanceJob{
		OrderID:     uuid.MustParse("6f1c2a9e-3b4d-4e5f-8a7b-1c2d3e4f5a6b"),
		RequestedAt: time.Date(2026, 3, 1, 18, 0, 0, 123, time.UTC),
		Attempt:     2,
	}

	b, err := EncodeJob(job)
	require.NoError(t, err)

	again, err := EncodeJob(job)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(b, again), "encoding is deterministic")

	got, err := DecodeJob(b)
	require.NoError(t, err)
	assert.Equal(t, job.OrderID, got.OrderID)
	assert.True(t, job.RequestedAt.Equal(got.RequestedAt))
	assert.Equal(t, job.Attempt, got.Attempt)

	// integer keys keep the payload small
	var raw map[int]any
	require.NoError(t, cbor.Unmarshal(b, &raw))
	assert.Len(t, raw, 3)
}

func TestDecodeJob_Rejects(t *testing.T) {
	t.Parallel()

	t.Run("garbage", func(t *testing.T) {
		_, err := DecodeJob([]byte{0xff, 0x00})
		assert.Error(t, err)
	})

	t.Run("missing order id", func(t *testing.T) {
		b, err := EncodeJob(IssuanceJob{RequestedAt: time.Now()})
		require.NoError(t, err)

		_, err = DecodeJob(b)
		assert.ErrorContains(t, err, "missing order id")
	})
}
