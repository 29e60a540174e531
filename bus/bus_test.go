package bus

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alwitt/agentbus/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestPatternParsing(t *testing.T) {
	assert := assert.New(t)

	type testCase struct {
		pattern string
		valid   bool
		match   []string
		noMatch []string
	}

	cases := []testCase{
		{pattern: "*", valid: true, match: []string{"hook.a", "anything", "x.y.z"}},
		{
			pattern: "hook.*",
			valid:   true,
			match:   []string{"hook.PreToolUse", "hook.a.b"},
			noMatch: []string{"hook", "hooks.a", "system.start"},
		},
		{
			pattern: "session.start",
			valid:   true,
			match:   []string{"session.start"},
			noMatch: []string{"session.start.x", "session.stop"},
		},
		{pattern: "", valid: false},
		{pattern: ".*", valid: false},
		{pattern: "hook*", valid: false},
		{pattern: "*.start", valid: false},
		{pattern: "a.*.b", valid: false},
		{pattern: "a.*.*", valid: false},
	}

	for idx, oneCase := range cases {
		parsed, err := parsePattern(oneCase.pattern)
		if !oneCase.valid {
			assert.NotNilf(err, "case %d", idx)
			assert.Truef(errors.Is(err, ErrInvalidPattern), "case %d", idx)
			continue
		}
		assert.Nilf(err, "case %d", idx)
		for _, topic := range oneCase.match {
			assert.Truef(parsed.matches(topic), "case %d %s", idx, topic)
		}
		for _, topic := range oneCase.noMatch {
			assert.Falsef(parsed.matches(topic), "case %d %s", idx, topic)
		}
	}
}

func TestBusBasicDispatch(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetEventBus("testing", common.BusConfig{Enabled: true, Debug: true})
	assert.Nil(err)

	order := make([]string, 0)
	record := func(name string) Handler {
		return func(evt Event) error {
			order = append(order, fmt.Sprintf("%s:%s:%d", name, evt.Topic, evt.Sequence))
			return nil
		}
	}

	// Case 0: invalid subscriptions
	{
		_, err := uut.Subscribe("bad*", record("x"))
		assert.NotNil(err)
		_, err = uut.Subscribe("hook.*", nil)
		assert.NotNil(err)
	}

	subA, err := uut.Subscribe("hook.*", record("A"))
	assert.Nil(err)
	_, err = uut.Subscribe("*", record("B"))
	assert.Nil(err)
	_, err = uut.Subscribe("hook.PreToolUse", record("C"))
	assert.Nil(err)

	// Case 1: dispatch in registration order
	{
		assert.True(uut.Publish("hook.PreToolUse", map[string]interface{}{"tool": "Read"}))
		assert.Equal([]string{
			"A:hook.PreToolUse:1", "B:hook.PreToolUse:1", "C:hook.PreToolUse:1",
		}, order)
	}

	// Case 2: partial match
	{
		order = order[:0]
		assert.True(uut.Publish("system.start", nil))
		assert.Equal([]string{"B:system.start:2"}, order)
	}

	// Case 3: unsubscribe
	{
		order = order[:0]
		assert.Nil(uut.Unsubscribe(subA))
		assert.True(uut.Publish("hook.Stop", nil))
		assert.Equal([]string{"B:hook.Stop:3"}, order)
		err := uut.Unsubscribe(subA)
		assert.NotNil(err)
		assert.True(errors.Is(err, ErrUnknownSubscription))
	}

	stats := uut.GetStats()
	assert.Equal(uint64(3), stats.Published)
	assert.Equal(uint64(5), stats.Dispatched)
	assert.Equal(uint64(0), stats.Filtered)
	assert.Equal(uint64(3), stats.LastSequence)
	assert.Equal(2, stats.Subscriptions)
	assert.True(stats.Enabled)
}

func TestBusDisabled(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetEventBus("testing", common.BusConfig{Enabled: true})
	assert.Nil(err)

	calls := 0
	_, err = uut.Subscribe("*", func(evt Event) error {
		calls++
		return nil
	})
	assert.Nil(err)

	// Case 0: disabled bus dispatches nothing
	{
		uut.SetEnabled(false)
		assert.False(uut.IsEnabled())
		assert.False(uut.Publish("hook.a", nil))
		assert.False(uut.PublishFrom("cli", "hook.b", nil))
		assert.Equal(0, calls)
		stats := uut.GetStats()
		assert.Equal(uint64(2), stats.Dropped)
		assert.Equal(uint64(0), stats.Published)
		assert.Equal(uint64(0), stats.LastSequence)
	}

	// Case 1: enabled again, sequencing resumes at 1
	{
		uut.SetEnabled(true)
		var seen Event
		_, err := uut.Subscribe("hook.*", func(evt Event) error {
			seen = evt
			return nil
		})
		assert.Nil(err)
		assert.True(uut.PublishFrom("cli", "hook.c", map[string]interface{}{"k": 1}))
		assert.Equal(1, calls)
		assert.Equal(uint64(1), seen.Sequence)
		assert.Equal("cli", seen.SourceID)
		assert.Equal(1, seen.Payload["k"])
	}
}

func TestBusHandlerIsolation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetEventBus("", common.BusConfig{Enabled: true})
	assert.Nil(err)

	reached := 0
	_, err = uut.Subscribe("*", func(evt Event) error { panic("boom") })
	assert.Nil(err)
	_, err = uut.Subscribe("*", func(evt Event) error { return fmt.Errorf("dummy error") })
	assert.Nil(err)
	_, err = uut.Subscribe("*", func(evt Event) error {
		reached++
		return nil
	})
	assert.Nil(err)

	// Case 0: failing handlers do not stop the rest
	{
		assert.NotPanics(func() { assert.True(uut.Publish("hook.a", nil)) })
		assert.Equal(1, reached)
	}

	stats := uut.GetStats()
	assert.Equal(uint64(2), stats.HandlerErrors)
	assert.Equal(uint64(1), stats.Dispatched)

	// Case 1: nothing matches
	{
		other, err := GetEventBus("other", common.BusConfig{Enabled: true})
		assert.Nil(err)
		assert.True(other.Publish("hook.a", nil))
		assert.Equal(uint64(1), other.GetStats().Filtered)
	}
}

func TestBusConcurrentSequencing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut, err := GetEventBus("testing", common.BusConfig{Enabled: true})
	assert.Nil(err)

	producers := 8
	perProducer := 250
	total := producers * perProducer

	// Handlers run under the bus lock, so the slice needs no extra guard
	observed := make([]uint64, 0, total)
	_, err = uut.Subscribe("*", func(evt Event) error {
		observed = append(observed, evt.Sequence)
		return nil
	})
	assert.Nil(err)

	wg := sync.WaitGroup{}
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				uut.PublishFrom(
					fmt.Sprintf("producer-%d", producer), "hook.tick", map[string]interface{}{"i": i},
				)
			}
		}(p)
	}
	wg.Wait()

	assert.Len(observed, total)
	for idx, seq := range observed {
		assert.Equal(uint64(idx+1), seq)
	}
	assert.Equal(uint64(total), uut.GetStats().LastSequence)
}

func TestBusReset(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetEventBus("testing", common.BusConfig{Enabled: true})
	assert.Nil(err)

	_, err = uut.Subscribe("*", func(evt Event) error { return nil })
	assert.Nil(err)
	uut.Publish("hook.a", nil)
	uut.Publish("hook.b", nil)
	uut.SetEnabled(false)

	uut.Reset()
	stats := uut.GetStats()
	assert.Equal(Stats{Enabled: true}, stats)

	var seen uint64
	_, err = uut.Subscribe("*", func(evt Event) error {
		seen = evt.Sequence
		return nil
	})
	assert.Nil(err)
	assert.True(uut.Publish("hook.c", nil))
	assert.Equal(uint64(1), seen)
}
