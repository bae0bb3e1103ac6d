package message

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndDecode(t *testing.T) {
	req, err := New(KindAttributeSetRequest, &AttributeSetRequest{DataID: "limit.max", Value: "250"})
	require.NoError(t, err)
	assert.Equal(t, KindAttributeSetRequest, req.Kind)

	var set AttributeSetRequest
	require.NoError(t, req.Decode(&set))
	assert.Equal(t, "limit.max", set.DataID)
	assert.Equal(t, "250", set.Value)
}

func TestDecodeEmptyPayload(t *testing.T) {
	req, err := New(KindPing, nil)
	require.NoError(t, err)

	var get AttributeGetRequest
	assert.Error(t, req.Decode(&get))
}

func TestFailure(t *testing.T) {
	req := &RPCMessage{Kind: KindAttributeGetRequest}
	resp := Failure(req, errors.New("boom"))
	assert.Equal(t, KindAttributeGetRequest, resp.Kind)
	assert.Equal(t, "boom", resp.Error)
}

func TestIsPush(t *testing.T) {
	assert.True(t, KindAttributeGetRequest.IsPush())
	assert.True(t, KindAttributeSetRequest.IsPush())
	assert.True(t, KindSubscriberRegResult.IsPush())
	assert.False(t, KindSubscriberRegister.IsPush())
	assert.False(t, KindPing.IsPush())
}
