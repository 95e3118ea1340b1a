package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCallCarriesCorrelationID(t *testing.T) {
	f, err := NewCall(ChannelAgent, EventStart, "s1", StartRequest{ServerID: "s1", Command: "java"})
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, ChannelAgent, f.Channel)
	assert.Equal(t, "s1", f.ServerID)

	var req StartRequest
	require.NoError(t, f.Decode(&req))
	assert.Equal(t, "java", req.Command)
}

func TestDecodeEmptyPayload(t *testing.T) {
	f := Frame{Event: EventStop}
	var req StopRequest
	assert.Error(t, f.Decode(&req))
}

func TestAckOKRoundTrip(t *testing.T) {
	call, err := NewCall(ChannelAgent, EventFileManifest, "s1", FileManifest{ServerID: "s1"})
	require.NoError(t, err)

	reply, err := AckOK(call, ManifestReply{Needed: []string{"world/level.dat"}})
	require.NoError(t, err)
	assert.Equal(t, EventAck, reply.Event)

	var ack Ack
	require.NoError(t, reply.Decode(&ack))
	assert.Equal(t, call.ID, ack.ID)
	assert.True(t, ack.OK)

	var mr ManifestReply
	require.NoError(t, json.Unmarshal(ack.Data, &mr))
	assert.Equal(t, []string{"world/level.dat"}, mr.Needed)
}

func TestAckErrCarriesCode(t *testing.T) {
	call, err := NewCall(ChannelAgent, EventStart, "s1", StartRequest{ServerID: "s1"})
	require.NoError(t, err)

	reply := AckErr(call, CodeCapacity, "capacity 4 reached")
	var ack Ack
	require.NoError(t, reply.Decode(&ack))
	assert.False(t, ack.OK)
	require.NotNil(t, ack.Error)
	assert.Equal(t, CodeCapacity, ack.Error.Code)
	assert.Contains(t, ack.Error.Error(), "capacity")
}

func TestFrameWireShape(t *testing.T) {
	f, err := NewFrame(ChannelUI, EventStatus, "lobby", StatusEvent{ServerID: "lobby", Status: "online", Online: true})
	require.NoError(t, err)
	b, err := json.Marshal(f)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Contains(t, raw, "channel")
	assert.Contains(t, raw, "event")
	assert.Contains(t, raw, "server_id")
	// no correlation id on plain frames
	assert.NotContains(t, raw, "id")
}
