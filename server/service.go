package server

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"
)

type methodType struct {
	method   reflect.Method
	takesCtx bool
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// NewService 创建 service 并扫描所有合法方法
func NewService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("amf: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("amf: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	srv := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.RegisterMethods()
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("amf: type %s has no exported methods of a callable signature", typ.Elem().Name())
	}
	return srv, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	anyType     = reflect.TypeOf((*any)(nil)).Elem()
)

// RegisterMethods keeps the exported methods of the forms
//
//	func (params any) (any, error)
//	func (ctx context.Context, params any) (any, error)
func (s *service) RegisterMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 2 || mt.Out(0) != anyType || mt.Out(1) != errorType {
			continue
		}
		switch {
		case mt.NumIn() == 2 && mt.In(1) == anyType:
			s.method[method.Name] = &methodType{method: method}
		case mt.NumIn() == 3 && mt.In(1) == contextType && mt.In(2) == anyType:
			s.method[method.Name] = &methodType{method: method, takesCtx: true}
		}
	}
}

// lookup finds a method by its remote name. AMF clients usually call
// "echo" for the Go method Echo.
func (s *service) lookup(name string) (*methodType, bool) {
	if m, ok := s.method[name]; ok {
		return m, true
	}
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return nil, false
	}
	m, ok := s.method[string(unicode.ToUpper(r))+name[size:]]
	return m, ok
}

// Call invokes the method. A panic in the method is returned as an error.
func (s *service) Call(ctx context.Context, mType *methodType, params any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s.%s: %v", s.name, mType.method.Name, r)
		}
	}()

	pv := reflect.ValueOf(&params).Elem()
	var args []reflect.Value
	if mType.takesCtx {
		args = []reflect.Value{s.rcvr, reflect.ValueOf(ctx), pv}
	} else {
		args = []reflect.Value{s.rcvr, pv}
	}
	results := mType.method.Func.Call(args)
	if !results[1].IsNil() {
		return nil, results[1].Interface().(error)
	}
	return results[0].Interface(), nil
}

// splitTarget splits "pkg.Service.method" into "pkg.Service" and "method".
func splitTarget(target string) (serviceName, methodName string, err error) {
	i := strings.LastIndexByte(target, '.')
	if i <= 0 || i == len(target)-1 {
		return "", "", fmt.Errorf("invalid service target %q", target)
	}
	return target[:i], target[i+1:], nil
}
