// Package shutdown tears the actor graph down in a fixed order: every
// registered resource is closed first, then every registered task is joined,
// both in registration order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.pilab.hu/imagewatch/internal/actor"
	"go.pilab.hu/imagewatch/log"
)

// ErrShuttingDown is returned for registrations made after Shutdown was called.
var ErrShuttingDown = errors.New("shutdown in progress")

// Task is anything that can be joined. Every actor in the backend is one.
type Task interface {
	Wait()
}

// TaskFunc adapts a blocking function to Task.
type TaskFunc func()

func (f TaskFunc) Wait() { f() }

type state int

const (
	stateRunning state = iota
	stateShuttingDown
)

type namedTask struct {
	name string
	task Task
}

type namedResource struct {
	name     string
	resource io.Closer
}

type addTaskMsg struct {
	task  namedTask
	reply chan<- error
}

type addResourceMsg struct {
	resource namedResource
	reply    chan<- error
}

type shutdownMsg struct{}

// Coordinator collects tasks and resources and drains them once on Shutdown.
type Coordinator struct {
	mailbox *actor.Mailbox[interface{}]
	logger  log.Logger
	done    chan struct{}
}

// NewCoordinator creates the coordinator and starts its goroutine.
func NewCoordinator(logger log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Nop()
	}
	c := &Coordinator{
		mailbox: actor.NewMailbox[interface{}](actor.DefaultCapacity),
		logger:  log.Component(logger, "shutdown"),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// AddTask registers a task to be joined during shutdown.
func (c *Coordinator) AddTask(ctx context.Context, name string, task Task) error {
	rejected, err := actor.Ask(ctx, c.mailbox, func(reply chan<- error) interface{} {
		return addTaskMsg{task: namedTask{name: name, task: task}, reply: reply}
	})
	return registrationError(rejected, err)
}

// AddResource registers a resource to be closed during shutdown.
func (c *Coordinator) AddResource(ctx context.Context, name string, resource io.Closer) error {
	rejected, err := actor.Ask(ctx, c.mailbox, func(reply chan<- error) interface{} {
		return addResourceMsg{resource: namedResource{name: name, resource: resource}, reply: reply}
	})
	return registrationError(rejected, err)
}

// Shutdown triggers the drain and waits for it to complete or for ctx to end.
// Calling it again waits on the same drain.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if err := c.mailbox.Send(ctx, shutdownMsg{}); err != nil && !errors.Is(err, actor.ErrUnavailable) {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once every resource has been closed and every task joined.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// registrationError folds a send failure into the registration result. Once
// the drain has finished the mailbox is stopped, which still means the
// coordinator is shutting down from the caller's point of view.
func registrationError(rejected, err error) error {
	if errors.Is(err, actor.ErrUnavailable) {
		return ErrShuttingDown
	}
	if err != nil {
		return err
	}
	return rejected
}

func (c *Coordinator) run() {
	defer close(c.done)
	defer c.mailbox.Stop()

	var (
		current   = stateRunning
		tasks     []namedTask
		resources []namedResource
		drained   <-chan struct{}
	)

	for {
		select {
		case msg := <-c.mailbox.Receive():
			switch m := msg.(type) {
			case addTaskMsg:
				if current != stateRunning {
					m.reply <- ErrShuttingDown
					continue
				}
				tasks = append(tasks, m.task)
				m.reply <- nil
			case addResourceMsg:
				if current != stateRunning {
					m.reply <- ErrShuttingDown
					continue
				}
				resources = append(resources, m.resource)
				m.reply <- nil
			case shutdownMsg:
				if current != stateRunning {
					continue
				}
				current = stateShuttingDown
				c.logger.Info(context.Background(), "shutdown started", map[string]interface{}{
					"resources": len(resources),
					"tasks":     len(tasks),
				})
				drained = actor.Offload(func() struct{} {
					c.drain(resources, tasks)
					return struct{}{}
				})
			default:
				c.logger.Warn(context.Background(), "unexpected message", map[string]interface{}{
					"type": fmt.Sprintf("%T", msg),
				})
			}
		case <-drained:
			c.logger.Info(context.Background(), "shutdown complete")
			return
		}
	}
}

func (c *Coordinator) drain(resources []namedResource, tasks []namedTask) {
	ctx := context.Background()
	for _, r := range resources {
		if err := r.resource.Close(); err != nil {
			c.logger.Warn(ctx, "closing resource failed", map[string]interface{}{
				"resource": r.name,
				"error":    err.Error(),
			})
			continue
		}
		c.logger.Debug(ctx, "resource closed", map[string]interface{}{"resource": r.name})
	}
	for _, t := range tasks {
		t.task.Wait()
		c.logger.Debug(ctx, "task finished", map[string]interface{}{"task": t.name})
	}
}
