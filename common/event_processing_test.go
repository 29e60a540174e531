package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 0: invalid buffer size
	{
		_, err := GetNewTaskProcessorInstance("testing", 0, ctxt)
		assert.NotNil(err)
	}

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetNewTaskProcessorInstance("testing", 2, ctxt)
	assert.Nil(err)

	type testParam struct{ value int }

	results := make(chan int, 10)
	release := make(chan struct{})
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testParam{}), func(p interface{}) error {
			<-release
			results <- p.(testParam).value
			return nil
		},
	))

	// Case 0: queue fills up while the loop is not running
	{
		assert.Nil(uut.TrySubmit(testParam{value: 1}))
		assert.Nil(uut.TrySubmit(testParam{value: 2}))
		assert.Equal(ErrTaskQueueFull, uut.TrySubmit(testParam{value: 3}))
	}

	// Case 1: blocking submit gives up with the caller context
	{
		lclCtxt, lclCancel := context.WithTimeout(ctxt, time.Millisecond*20)
		defer lclCancel()
		assert.NotNil(uut.Submit(lclCtxt, testParam{value: 3}))
	}

	// Case 2: tasks are processed in order once the loop runs
	{
		assert.Nil(uut.StartEventLoop(&wg))
		close(release)
		for _, expected := range []int{1, 2} {
			select {
			case v := <-results:
				assert.Equal(expected, v)
			case <-time.After(time.Second):
				assert.Fail("task not processed")
			}
		}
	}

	// Case 3: submit after stop fails
	{
		assert.Nil(uut.StopEventLoop())
		assert.NotNil(uut.TrySubmit(testParam{value: 4}))
	}
}
