package lldbdap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/go-dap"

	"github.com/go-bptrace/bptrace/pkg/logflags"
)

// ResponseError is returned when the adapter answers a request with
// success set to false.
type ResponseError struct {
	Command string
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s request failed: %s", e.Command, e.Message)
}

// Client is a minimal Debug Adapter Protocol client. Messages are read by a
// background goroutine; responses are matched to requests by sequence
// number and events are queued in arrival order. Apart from the read loop a
// Client must only be used by one goroutine.
type Client struct {
	conn io.ReadWriteCloser
	log  logflags.Logger

	wmu sync.Mutex
	seq int

	msgs    chan dap.Message
	readErr error // valid after msgs is closed

	responses map[int]dap.ResponseMessage
	events    []dap.EventMessage
}

// NewClient starts reading from conn. Call Close to stop.
func NewClient(conn io.ReadWriteCloser) *Client {
	c := &Client{
		conn:      conn,
		log:       logflags.DAPLogger(),
		seq:       1,
		msgs:      make(chan dap.Message, 16),
		responses: make(map[int]dap.ResponseMessage),
	}
	go c.readLoop(bufio.NewReader(conn))
	return c
}

// Close closes the connection to the adapter.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop(r *bufio.Reader) {
	defer close(c.msgs)
	for {
		msg, err := dap.ReadProtocolMessage(r)
		if err != nil {
			var fieldErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &fieldErr) {
				// Messages unknown to go-dap, for example lldb specific
				// events, are skipped.
				c.log.Debugf("<- skipping message: %v", err)
				continue
			}
			c.readErr = err
			return
		}
		if logflags.DAP() {
			c.log.Debugf("<- %T %+v", msg, msg)
		}
		c.msgs <- msg
	}
}

func (c *Client) newRequest(command string) *dap.Request {
	request := &dap.Request{}
	request.Type = "request"
	request.Command = command
	c.wmu.Lock()
	request.Seq = c.seq
	c.seq++
	c.wmu.Unlock()
	return request
}

// send writes request to the adapter and returns its sequence number.
func (c *Client) send(request dap.RequestMessage) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if logflags.DAP() {
		c.log.Debugf("-> %T %+v", request, request)
	}
	if err := dap.WriteProtocolMessage(c.conn, request); err != nil {
		return 0, err
	}
	return request.GetRequest().Seq, nil
}

// recv waits for the next message and files it.
func (c *Client) recv(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case msg, ok := <-c.msgs:
		if !ok {
			if c.readErr != nil && !errors.Is(c.readErr, io.EOF) {
				return fmt.Errorf("connection to debug adapter lost: %w", c.readErr)
			}
			return io.EOF
		}
		switch msg := msg.(type) {
		case dap.ResponseMessage:
			c.responses[msg.GetResponse().RequestSeq] = msg
		case dap.EventMessage:
			c.events = append(c.events, msg)
		case dap.RequestMessage:
			// Reverse requests (runInTerminal) are not advertised as
			// supported and are ignored.
			c.log.Warnf("ignoring reverse request %q", msg.GetRequest().Command)
		}
		return nil
	}
}

// response waits for the response to the request with sequence number seq.
func (c *Client) response(ctx context.Context, seq int) (dap.ResponseMessage, error) {
	for {
		if resp, ok := c.responses[seq]; ok {
			delete(c.responses, seq)
			r := resp.GetResponse()
			if !r.Success {
				return resp, &ResponseError{Command: r.Command, Message: r.Message}
			}
			return resp, nil
		}
		if err := c.recv(ctx); err != nil {
			return nil, err
		}
	}
}

// call sends request and waits for its response.
func (c *Client) call(ctx context.Context, request dap.RequestMessage) (dap.ResponseMessage, error) {
	seq, err := c.send(request)
	if err != nil {
		return nil, err
	}
	return c.response(ctx, seq)
}

// event returns the oldest event not yet consumed.
func (c *Client) event(ctx context.Context) (dap.EventMessage, error) {
	for len(c.events) == 0 {
		if err := c.recv(ctx); err != nil {
			return nil, err
		}
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev, nil
}

// awaitEvent waits for an event called name, other events stay queued. If
// the request with sequence number seq fails before the event arrives its
// error is returned instead.
func (c *Client) awaitEvent(ctx context.Context, name string, seq int) (dap.EventMessage, error) {
	seen := 0
	for {
		for i := seen; i < len(c.events); i++ {
			if c.events[i].GetEvent().Event == name {
				ev := c.events[i]
				c.events = append(c.events[:i], c.events[i+1:]...)
				return ev, nil
			}
		}
		seen = len(c.events)
		if resp, ok := c.responses[seq]; ok && !resp.GetResponse().Success {
			_, err := c.response(ctx, seq)
			return nil, err
		}
		if err := c.recv(ctx); err != nil {
			return nil, err
		}
	}
}
