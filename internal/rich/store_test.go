package rich

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventReservedKeys(t *testing.T) {
	ev := parseEvent([]byte(`{"type":"system","subtype":"init","session_id":"s1","extra":{"deep":true}}`))
	assert.True(t, ev.isInit())
	assert.Equal(t, "s1", ev.SessionID)
	assert.False(t, ev.fromSubagent())

	ev = parseEvent([]byte(`{"type":"assistant","parent_tool_use_id":"tu-9"}`))
	assert.True(t, ev.fromSubagent())

	ev = parseEvent([]byte(`not json at all`))
	assert.Equal(t, "raw", ev.Type)
	assert.JSONEq(t, `{"type":"raw","text":"not json at all"}`, string(ev.Raw))
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	// Missing file reads as an empty log.
	events, err := store.Load("absent")
	require.NoError(t, err)
	assert.Empty(t, events)

	in := []Event{
		parseEvent([]byte(`{"type":"system","subtype":"init","session_id":"s1"}`)),
		parseEvent([]byte(`{"type":"result","ok":true}`)),
	}
	require.NoError(t, store.Save("dev", in))

	out, err := store.Load("dev")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "s1", out[0].SessionID)
	assert.True(t, out[1].isResult())

	require.NoError(t, store.Delete("dev"))
	out, err = store.Load("dev")
	require.NoError(t, err)
	assert.Empty(t, out)

	// Deleting twice is fine.
	require.NoError(t, store.Delete("dev"))
}
