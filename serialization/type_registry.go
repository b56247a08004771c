package serialization

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrTypeNotRegistered is returned when a message_type header names no registered type
	ErrTypeNotRegistered = errors.New("serialization: message type not registered")
	// ErrEmptyPayload is returned when a typed body is empty or decodes to nothing
	ErrEmptyPayload = errors.New("serialization: empty payload")
	// ErrUnsupportedType is returned for typed payloads that are not structs
	ErrUnsupportedType = errors.New("serialization: message type must be a struct")
)

// MessageType is a registered payload type.
type MessageType struct {
	Name string
	Type reflect.Type

	// decode is set for types registered through RegisterMessage and avoids
	// building a reflective decoder.
	decode DecodeFunc
}

// PkgPath returns the Go package path of the type, sent as message_assembly.
func (m *MessageType) PkgPath() string {
	if m == nil || m.Type == nil {
		return ""
	}
	return m.Type.PkgPath()
}

// TypeRegistry maps message_type names to Go types.
//
// Registration happens at startup. Resolve caches every answer, including
// names that matched nothing, so a name is scanned at most once.
type TypeRegistry struct {
	types map[string]*MessageType
	names map[reflect.Type]string
	mu    sync.RWMutex

	resolved sync.Map // string -> *MessageType, nil for unresolved
	scans    atomic.Int64
}

// NewTypeRegistry creates a new type registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]*MessageType),
		names: make(map[reflect.Type]string),
	}
}

// RegisterMessage registers T under name with a compiled MessagePack decoder.
func RegisterMessage[T any](r *TypeRegistry, name string) error {
	t := reflect.TypeOf((*T)(nil)).Elem()
	decode := func(ctx context.Context, data []byte) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var v T
		if err := unmarshal(data, &v); err != nil {
			return nil, err
		}
		return &v, nil
	}
	return r.add(name, t, decode)
}

// Register registers a message type with a type name
func (r *TypeRegistry) Register(typeName string, msgType interface{}) error {
	if msgType == nil {
		return fmt.Errorf("message type cannot be nil")
	}
	return r.add(typeName, indirect(reflect.TypeOf(msgType)), nil)
}

// RegisterType registers a message type using its package path and struct name
func (r *TypeRegistry) RegisterType(msgType interface{}) error {
	if msgType == nil {
		return fmt.Errorf("message type cannot be nil")
	}
	t := indirect(reflect.TypeOf(msgType))
	if t.Name() == "" {
		return fmt.Errorf("cannot determine type name for %v", t)
	}
	return r.add(qualifiedName(t), t, nil)
}

func (r *TypeRegistry) add(typeName string, t reflect.Type, decode DecodeFunc) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("%w, got %v", ErrUnsupportedType, t.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing.Type == t {
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing.Type)
	}

	r.types[typeName] = &MessageType{Name: typeName, Type: t, decode: decode}
	if _, named := r.names[t]; !named {
		r.names[t] = typeName
	}

	// A name that failed to resolve earlier may resolve now.
	r.resolved.Delete(typeName)
	r.resolved.Range(func(key, value any) bool {
		if value.(*MessageType) == nil {
			r.resolved.Delete(key)
		}
		return true
	})

	return nil
}

// Resolve returns the type registered for name. Hits and misses are cached.
func (r *TypeRegistry) Resolve(name string) (*MessageType, bool) {
	if v, ok := r.resolved.Load(name); ok {
		mt := v.(*MessageType)
		return mt, mt != nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.resolved.Load(name); ok {
		mt := v.(*MessageType)
		return mt, mt != nil
	}

	mt := r.scan(name)
	r.resolved.Store(name, mt)
	return mt, mt != nil
}

// scan looks for name among registered types: exact name first, then a
// unique match on the unqualified type name. Caller holds r.mu.
func (r *TypeRegistry) scan(name string) *MessageType {
	r.scans.Add(1)

	if mt, ok := r.types[name]; ok {
		return mt
	}
	// Slices, pointers, maps and generic instantiations never alias a
	// registered struct.
	if strings.ContainsAny(name, "[]*() ") {
		return nil
	}

	short := shortName(name)
	var found *MessageType
	for _, mt := range r.types {
		if mt.Type.Name() != short && shortName(mt.Name) != short {
			continue
		}
		if found != nil && found.Type != mt.Type {
			return nil // ambiguous
		}
		found = mt
	}
	return found
}

// NameOf returns the name sent in the message_type header for v. Unregistered
// structs fall back to their qualified Go name; the receiver decides whether it
// knows them. Anything other than a struct cannot be registered on the
// receiving side and fails with ErrUnsupportedType.
func (r *TypeRegistry) NameOf(v interface{}) (string, error) {
	if v == nil {
		return "", fmt.Errorf("message cannot be nil")
	}
	t := indirect(reflect.TypeOf(v))
	if t.Kind() != reflect.Struct {
		return "", fmt.Errorf("%w, got %v", ErrUnsupportedType, t)
	}

	r.mu.RLock()
	name, exists := r.names[t]
	r.mu.RUnlock()
	if exists {
		return name, nil
	}
	if t.Name() == "" {
		// anonymous struct
		return t.String(), nil
	}
	return qualifiedName(t), nil
}

// IsRegistered checks if a type is registered
func (r *TypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[typeName]
	return exists
}

// ListTypes returns all registered type names, sorted
func (r *TypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for typeName := range r.types {
		types = append(types, typeName)
	}
	sort.Strings(types)
	return types
}

func indirect(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

func qualifiedName(t reflect.Type) string {
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}

func shortName(name string) string {
	if i := strings.LastIndexAny(name, "./"); i >= 0 {
		return name[i+1:]
	}
	return name
}
