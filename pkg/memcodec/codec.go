// Package memcodec implements an in memory net/rpc server codec.
package memcodec

import (
	"net/rpc"
	"reflect"

	"github.com/pkg/errors"
)

// Codec serves a single in memory net/rpc call.
type Codec struct {
	// Error is the error returned by the rpc response.
	Error error

	method string
	args   interface{}
	reply  interface{}
}

// New returns an in memory codec calling method with args, writing the
// result into reply.
func New(method string, args, reply interface{}) *Codec {
	return &Codec{
		method: method,
		args:   args,
		reply:  reply,
	}
}

// ReadRequestHeader reads the request header.
func (c *Codec) ReadRequestHeader(req *rpc.Request) error {
	req.ServiceMethod = c.method
	return nil
}

// ReadRequestBody copies the call arguments into args.
func (c *Codec) ReadRequestBody(args interface{}) error {
	if args == nil {
		return nil
	}

	return assign(args, c.args)
}

// WriteResponse copies the reply of the call.
func (c *Codec) WriteResponse(resp *rpc.Response, reply interface{}) error {
	if resp.Error != "" {
		c.Error = errors.New(resp.Error)
		return nil
	}

	return assign(c.reply, reply)
}

// Close closes the codec.
func (c *Codec) Close() error {
	return nil
}

func assign(dst, src interface{}) error {
	d := reflect.Indirect(reflect.ValueOf(dst))
	s := reflect.Indirect(reflect.ValueOf(src))
	if !d.CanSet() {
		return errors.New("memcodec: destination must be a pointer")
	}
	if !s.Type().AssignableTo(d.Type()) {
		return errors.Errorf("memcodec: cannot assign %s to %s", s.Type(), d.Type())
	}

	d.Set(s)
	return nil
}
