// ABOUTME: Tests for the NATS cluster bus
// ABOUTME: Frame filtering runs always; the round trip needs CHAT_TEST_NATS_URL

package cluster

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/rooms"
)

func TestDecodeEnvelope(t *testing.T) {
	encode := func(env rooms.Envelope) []byte {
		data, err := json.Marshal(env)
		require.NoError(t, err)
		return data
	}

	env, ok := decodeEnvelope(encode(rooms.Envelope{Origin: "node-b", Room: "c1", Payload: []byte(`{"type":"x"}`)}), "node-a")
	require.True(t, ok)
	assert.Equal(t, "c1", env.Room)
	assert.JSONEq(t, `{"type":"x"}`, string(env.Payload))

	_, ok = decodeEnvelope(encode(rooms.Envelope{Origin: "node-a", Room: "c1"}), "node-a")
	assert.False(t, ok, "own frames are skipped")

	_, ok = decodeEnvelope(encode(rooms.Envelope{Origin: "node-b"}), "node-a")
	assert.False(t, ok, "frames without a target are skipped")

	_, ok = decodeEnvelope([]byte("not json"), "node-a")
	assert.False(t, ok)

	_, ok = decodeEnvelope(encode(rooms.Envelope{Origin: "node-b", All: true}), "node-a")
	assert.True(t, ok)
}

func TestNewBus_RequiresURL(t *testing.T) {
	_, err := NewBus(Config{}, "node-a", nil)
	assert.Error(t, err)
}

func TestBus_RoundTrip(t *testing.T) {
	url := os.Getenv("CHAT_TEST_NATS_URL")
	if url == "" {
		t.Skip("CHAT_TEST_NATS_URL not set")
	}

	subject := "chat.test." + time.Now().Format("150405.000000")
	a, err := NewBus(Config{URL: url, Subject: subject}, "node-a", nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewBus(Config{URL: url, Subject: subject}, "node-b", nil)
	require.NoError(t, err)
	defer b.Close()

	got := make(chan rooms.Envelope, 1)
	require.NoError(t, b.Start(func(env rooms.Envelope) int {
		got <- env
		return 1
	}))
	require.NoError(t, b.nc.Flush())

	require.NoError(t, a.Publish(t.Context(), rooms.Envelope{Room: "c1", Payload: []byte("hi")}))

	select {
	case env := <-got:
		assert.Equal(t, "node-a", env.Origin)
		assert.Equal(t, "hi", string(env.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}
