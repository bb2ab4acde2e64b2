package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")
	ErrVariadic            = errors.New("variadic functions are not supported")

	ErrTooManyArguments = errors.New("too many arguments")

	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// paramsError marks failures to decode the request params.
type paramsError struct {
	err error
}

func (e *paramsError) Error() string { return e.err.Error() }

func (e *paramsError) Unwrap() error { return e.err }

type method struct {
	fn   reflect.Value
	args []reflect.Type
	// hasResult is false for functions that only return error
	hasResult bool
}

func newMethod(fn interface{}) (method, error) {
	t := reflect.TypeOf(fn)
	if t == nil || t.Kind() != reflect.Func {
		return method{}, ErrNotFunction
	}
	if t.IsVariadic() {
		return method{}, ErrVariadic
	}
	if t.NumIn() == 0 || t.In(0) != contextType {
		return method{}, ErrMustHaveContext
	}
	if t.NumOut() == 0 || !t.Out(t.NumOut()-1).Implements(errorType) {
		return method{}, ErrMustReturnError
	}
	if t.NumOut() > 2 {
		return method{}, ErrTooManyReturnValues
	}

	args := make([]reflect.Type, 0, t.NumIn()-1)
	for i := 1; i < t.NumIn(); i++ {
		args = append(args, t.In(i))
	}
	return method{
		fn:        reflect.ValueOf(fn),
		args:      args,
		hasResult: t.NumOut() == 2,
	}, nil
}

// decodeArgs unmarshals params positionally, missing trailing params are zero values.
func (m method) decodeArgs(params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(m.args) {
		return nil, &paramsError{ErrTooManyArguments}
	}
	values := make([]reflect.Value, len(m.args))
	for i, t := range m.args {
		v := reflect.New(t)
		if i < len(params) {
			if err := json.Unmarshal(params[i], v.Interface()); err != nil {
				return nil, &paramsError{fmt.Errorf("param %d: %w", i, err)}
			}
		}
		values[i] = v.Elem()
	}
	return values, nil
}

func (m method) invoke(ctx context.Context, params []json.RawMessage) (any, error) {
	args, err := m.decodeArgs(params)
	if err != nil {
		return nil, err
	}
	out := m.fn.Call(append([]reflect.Value{reflect.ValueOf(ctx)}, args...))

	var callErr error
	if last := out[len(out)-1]; !last.IsNil() {
		callErr, _ = last.Interface().(error)
	}
	if !m.hasResult {
		return nil, callErr
	}
	return out[0].Interface(), callErr
}
