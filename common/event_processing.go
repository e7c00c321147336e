// Copyright 2022 The accelerator Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/apex/log"
)

// ErrTaskQueueFull the task buffer of the processor is full
var ErrTaskQueueFull = errors.New("task queue full")

// TaskHandler a handler function which execute a task based on parameters
type TaskHandler func(taskParam interface{}) error

// TaskProcessor processing module for implementing an event loop model.
//
// All tasks are executed sequentially by the event loop goroutine, making the
// processor the single owner of whatever the handlers touch.
type TaskProcessor interface {
	// Submit queue a new task parameter for processing. Blocks until the task is queued,
	// the context is done, or the event loop has stopped.
	Submit(ctxt context.Context, newTaskParam interface{}) error
	// ProcessNewTaskParam process a new task param inline
	ProcessNewTaskParam(newTaskParam interface{}) error
	// SetTaskExecutionMap replace the task param type to handler mapping
	SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error
	// TrySubmit queue a new task parameter for processing without waiting. Returns
	// ErrTaskQueueFull if the task buffer has no room.
	TrySubmit(newTaskParam interface{}) error
	// StartEventLoop start the event loop goroutine
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stop the event loop goroutine
	StopEventLoop() error
}

// taskProcessorImpl implement TaskProcessor
type taskProcessorImpl struct {
	Component
	name         string
	operating    context.Context
	stop         context.CancelFunc
	newTasks     chan interface{}
	mapLock      sync.RWMutex
	executionMap map[reflect.Type]TaskHandler
}

// GetNewTaskProcessorInstance get instance of TaskProcessor
func GetNewTaskProcessorInstance(
	name string, taskBuffer int, ctxt context.Context,
) (TaskProcessor, error) {
	if taskBuffer < 1 {
		return nil, fmt.Errorf("task buffer must be at least one: %d", taskBuffer)
	}
	logTags := log.Fields{
		"module": "common", "component": "task-processor", "instance": name,
	}
	operating, stop := context.WithCancel(ctxt)
	return &taskProcessorImpl{
		Component:    Component{LogTags: logTags},
		name:         name,
		operating:    operating,
		stop:         stop,
		newTasks:     make(chan interface{}, taskBuffer),
		executionMap: make(map[reflect.Type]TaskHandler),
	}, nil
}

// Submit submit a new task parameter for processing
func (p *taskProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	if p.operating.Err() != nil {
		return fmt.Errorf("[TP %s] event loop stopped", p.name)
	}
	select {
	case p.newTasks <- newTaskParam:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-p.operating.Done():
		return fmt.Errorf("[TP %s] event loop stopped", p.name)
	}
}

// SetTaskExecutionMap update the task param to execution mapping
func (p *taskProcessorImpl) SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error {
	log.WithFields(p.LogTags).Debug("Changing task execution mapping")
	p.mapLock.Lock()
	defer p.mapLock.Unlock()
	p.executionMap = newMap
	return nil
}

// TrySubmit queue a new task parameter for processing if the buffer has room
func (p *taskProcessorImpl) TrySubmit(newTaskParam interface{}) error {
	if p.operating.Err() != nil {
		return fmt.Errorf("[TP %s] event loop stopped", p.name)
	}
	select {
	case p.newTasks <- newTaskParam:
		return nil
	default:
		return ErrTaskQueueFull
	}
}

// StopEventLoop stop the task param processing event loop
func (p *taskProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Debug("Stopping event loop")
	p.stop()
	return nil
}

// ProcessNewTaskParam process a new task param
func (p *taskProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	p.mapLock.RLock()
	defer p.mapLock.RUnlock()
	if len(p.executionMap) > 0 {
		// Process task based on the parameter type
		if theHandler, ok := p.executionMap[reflect.TypeOf(newTaskParam)]; ok {
			return theHandler(newTaskParam)
		}
		return fmt.Errorf(
			"[TP %s] No matching handler found for %s", p.name, reflect.TypeOf(newTaskParam),
		)
	}
	return fmt.Errorf("[TP %s] No task execution mapping set", p.name)
}

// StartEventLoop start the event loop
func (p *taskProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Debug("Starting event loop")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(p.LogTags).Debug("Event loop exiting")
		for {
			select {
			case <-p.operating.Done():
				return
			case newTaskParam := <-p.newTasks:
				if err := p.ProcessNewTaskParam(newTaskParam); err != nil {
					log.WithError(err).WithFields(p.LogTags).Error("Failed to process new task param")
				}
			}
		}
	}()
	return nil
}
