package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFrameCodec(t *testing.T) {
	assert := assert.New(t)

	// Case 0: event frame
	{
		ts := time.Now().UTC()
		raw, err := EncodeFrame(Frame{
			Type:      FrameEvent,
			Namespace: "/hook",
			Event:     "PreToolUse",
			Data:      map[string]interface{}{"tool_name": "Read"},
			Sequence:  7,
			Timestamp: &ts,
			Replay:    true,
		})
		assert.Nil(err)
		parsed, err := DecodeFrame(raw)
		assert.Nil(err)
		assert.Equal(FrameEvent, parsed.Type)
		assert.Equal("/hook", parsed.Namespace)
		assert.Equal("PreToolUse", parsed.Event)
		assert.Equal(uint64(7), parsed.Sequence)
		assert.True(parsed.Replay)
		assert.Equal("Read", parsed.Data.(map[string]interface{})["tool_name"])
		assert.Equal("event[/hook:PreToolUse #7]", parsed.String())
	}

	// Case 1: batch frame
	{
		raw, err := EncodeFrame(Frame{Type: FrameBatch, Frames: []Frame{
			{Type: FrameEmit, Namespace: "/session", Event: "start"},
			{Type: FrameEmit, Namespace: "/session", Event: "end"},
		}})
		assert.Nil(err)
		parsed, err := DecodeFrame(raw)
		assert.Nil(err)
		assert.Len(parsed.Frames, 2)
		assert.Equal("end", parsed.Frames[1].Event)
	}

	// Case 2: malformed input
	{
		_, err := DecodeFrame([]byte("{not json"))
		assert.NotNil(err)
		_, err = DecodeFrame([]byte(`{"event":"x"}`))
		assert.NotNil(err)
	}
}
