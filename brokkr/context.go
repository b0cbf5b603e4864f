package brokkr

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/brokkr-mq/brokkr/protocol"
)

type contextKey int

const (
	requestQueueSpanKey contextKey = iota
	responseQueueSpanKey
	responseSlotKey
	requestStartKey
)

// Context carries one request through decode, dispatch and response
// write. It implements context.Context so handlers can hang spans and
// deadlines off it; cancellation comes from the owning connection.
type Context struct {
	parent context.Context
	conn   net.Conn
	header *protocol.RequestHeader
	req    protocol.VersionedDecoder
	res    *protocol.Response
	vals   map[interface{}]interface{}
}

func (ctx *Context) Deadline() (time.Time, bool) {
	if ctx == nil || ctx.parent == nil {
		return time.Time{}, false
	}
	return ctx.parent.Deadline()
}

func (ctx *Context) Done() <-chan struct{} {
	if ctx == nil || ctx.parent == nil {
		return nil
	}
	return ctx.parent.Done()
}

func (ctx *Context) Err() error {
	if ctx == nil || ctx.parent == nil {
		return nil
	}
	return ctx.parent.Err()
}

func (ctx *Context) Value(key interface{}) interface{} {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.vals[key]; ok {
		return v
	}
	if ctx.parent == nil {
		return nil
	}
	return ctx.parent.Value(key)
}

// Request returns the decoded request body.
func (ctx *Context) Request() protocol.VersionedDecoder {
	return ctx.req
}

// Response returns the response set by the handler, nil until handled.
func (ctx *Context) Response() *protocol.Response {
	return ctx.res
}

// Header returns the request header.
func (ctx *Context) Header() *protocol.RequestHeader {
	return ctx.header
}

func (ctx *Context) String() string {
	if ctx.header == nil {
		return "ctx: <empty>"
	}
	return fmt.Sprintf("ctx: correlation id: %d, client id: %s, request: %T", ctx.header.CorrelationID, ctx.header.ClientID, ctx.req)
}
