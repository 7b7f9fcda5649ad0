package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"structured-channel/channel"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// service exposes the methods of a struct as request types
// "{Struct}.{Method}".
type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService scans rcvr for methods shaped like
//
//	func (r *T) Method(args *Args, reply *Reply) error
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: receiver must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	svc := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("server: %s has no suitable methods", svc.name)
	}
	return svc, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1).Kind() != reflect.Ptr || mt.In(2).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   mt.In(1).Elem(),
			ReplyType: mt.In(2).Elem(),
		}
	}
}

// handlers returns one channel handler per method, keyed by request type.
func (s *service) handlers() map[string]channel.Handler {
	out := make(map[string]channel.Handler, len(s.method))
	for name, mt := range s.method {
		out[s.name+"."+name] = s.handler(mt)
	}
	return out
}

// handler decodes the generic payload into a fresh Args through JSON, calls
// the method and returns the filled Reply.
func (s *service) handler(mt *methodType) channel.Handler {
	return func(ctx context.Context, payload any) (any, error) {
		argv := reflect.New(mt.ArgType)
		replyv := reflect.New(mt.ReplyType)

		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(data, argv.Interface()); err != nil {
				return nil, fmt.Errorf("decode %s arguments: %w", mt.method.Name, err)
			}
		}

		results := mt.method.Func.Call([]reflect.Value{s.rcvr, argv, replyv})
		if err, _ := results[0].Interface().(error); err != nil {
			return nil, err
		}
		return replyv.Interface(), nil
	}
}
