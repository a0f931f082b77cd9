package server

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

// Handler runs one remote function. Args arrive in the generic value model.
type Handler func(ctx context.Context, args []any) (any, error)

type service struct {
	name    string
	rcvr    reflect.Value
	typ     reflect.Type
	methods map[string]Handler
}

// NewService exposes the exported methods of rcvr that look like Handler,
// under the module named after the struct in lower case. Method names get
// their first letter lowered, so (*Demo).Echo becomes demo:echo.
func NewService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: rcvr must be a pointer, got %s", typ.Kind())
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	s := &service{
		name:    strings.ToLower(typ.Elem().Name()),
		rcvr:    reflect.ValueOf(rcvr),
		typ:     typ,
		methods: make(map[string]Handler),
	}
	s.registerMethods()
	if len(s.methods) == 0 {
		return nil, fmt.Errorf("server: %s has no handler methods", typ.Elem().Name())
	}
	return s, nil
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	argsType    = reflect.TypeOf([]any(nil))
	anyType     = reflect.TypeOf((*any)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// registerMethods keeps methods shaped (ctx, []any) (any, error).
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 2 ||
			mt.In(1) != contextType || mt.In(2) != argsType ||
			mt.Out(0) != anyType || mt.Out(1) != errorType {
			continue
		}
		fn := s.rcvr.Method(i).Interface().(func(context.Context, []any) (any, error))
		s.methods[lowerFirst(method.Name)] = fn
	}
}

func lowerFirst(name string) string {
	r := []rune(name)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}
