// Package schema implements the typed message class (spec §3.3, §4.2): a
// declarative property DSL compiled into an immutable MessageSchema value,
// plus the Message instance type and its publish orchestration (§4.11).
// Per design note §9, the source's class-body DSL becomes a builder that
// produces one MessageSchema per type, registered once.
package schema

import (
	"reflect"
	"regexp"
)

// ValidatorKind tags which check a Validator performs (spec §4.2).
type ValidatorKind int

const (
	VPredicate ValidatorKind = iota
	VRegex
	VEnum
	VRange
	VType
	VExact
)

// Validator is one of: predicate function, regex, enumerated set, numeric
// range, type constraint, exact value (spec §3.3 "Validators").
type Validator struct {
	Kind      ValidatorKind
	Predicate func(value any) bool
	Regex     *regexp.Regexp
	Enum      []any
	RangeMin  float64
	RangeMax  float64
	TypeKind  reflect.Kind
	Exact     any
}

func Predicate(fn func(value any) bool) Validator { return Validator{Kind: VPredicate, Predicate: fn} }
func Regex(re *regexp.Regexp) Validator            { return Validator{Kind: VRegex, Regex: re} }
func Enum(values ...any) Validator                 { return Validator{Kind: VEnum, Enum: values} }
func Range(min, max float64) Validator             { return Validator{Kind: VRange, RangeMin: min, RangeMax: max} }
func TypeOf(kind reflect.Kind) Validator           { return Validator{Kind: VType, TypeKind: kind} }
func Exact(value any) Validator                    { return Validator{Kind: VExact, Exact: value} }

// Check evaluates the validator against value (spec §4.2 step 1).
func (v Validator) Check(value any) bool {
	switch v.Kind {
	case VPredicate:
		return v.Predicate != nil && v.Predicate(value)
	case VRegex:
		s, ok := asString(value)
		return ok && v.Regex != nil && v.Regex.MatchString(s)
	case VEnum:
		for _, e := range v.Enum {
			if reflect.DeepEqual(e, value) {
				return true
			}
		}
		return false
	case VRange:
		f, ok := asFloat(value)
		return ok && f >= v.RangeMin && f <= v.RangeMax
	case VType:
		return reflect.ValueOf(value).Kind() == v.TypeKind
	case VExact:
		return reflect.DeepEqual(v.Exact, value)
	default:
		return false
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

// Property describes one schema field (spec §4.2 "property(name, options)").
type Property struct {
	Name              string
	Required          bool
	Default           any
	DefaultFunc       func() any
	Validator         *Validator
	ValidationMessage string
	Description       string
}

// ResolveDefault returns the property's default value, invoking DefaultFunc
// when set (spec §4.2 "producers are invoked at instance construction time").
func (p Property) ResolveDefault() any {
	if p.DefaultFunc != nil {
		return p.DefaultFunc()
	}
	return p.Default
}

// DDQConfig mirrors a class's declared deduplication settings (spec §3.3,
// §4.4).
type DDQConfig struct {
	Enabled  bool
	Capacity int
	Storage  string // "memory" | "redis"
}

// MessageSchema is the immutable, compiled description of a typed message
// class (spec §3.3).
type MessageSchema struct {
	Name        string
	Version     int
	Description string

	Properties    []Property
	propertyIndex map[string]int

	DefaultFrom    string
	DefaultTo      *string
	DefaultReplyTo string

	SerializerName string
	TransportNames []string
	LoggerName     string

	DDQ DDQConfig
}

// PropertyByName returns the named property and whether it exists.
func (s *MessageSchema) PropertyByName(name string) (Property, bool) {
	i, ok := s.propertyIndex[name]
	if !ok {
		return Property{}, false
	}
	return s.Properties[i], true
}

// Builder constructs an immutable MessageSchema (spec §9 "a builder that
// produces an immutable MessageSchema value, registered once per type").
type Builder struct {
	schema MessageSchema
}

// NewBuilder starts a schema for name at the given positive version.
func NewBuilder(name string, version int) *Builder {
	return &Builder{schema: MessageSchema{Name: name, Version: version}}
}

func (b *Builder) Description(desc string) *Builder {
	b.schema.Description = desc
	return b
}

// Property adds a declarative property (spec §4.2 DSL).
func (b *Builder) Property(name string, opts Property) *Builder {
	opts.Name = name
	b.schema.Properties = append(b.schema.Properties, opts)
	return b
}

// From/To/ReplyTo set class-level addressing defaults (spec §4.2
// "Addressing DSL").
func (b *Builder) From(from string) *Builder {
	b.schema.DefaultFrom = from
	return b
}

func (b *Builder) To(to string) *Builder {
	b.schema.DefaultTo = &to
	return b
}

func (b *Builder) ReplyTo(replyTo string) *Builder {
	b.schema.DefaultReplyTo = replyTo
	return b
}

func (b *Builder) Serializer(name string) *Builder {
	b.schema.SerializerName = name
	return b
}

func (b *Builder) Transport(names ...string) *Builder {
	b.schema.TransportNames = append(b.schema.TransportNames, names...)
	return b
}

func (b *Builder) Logger(name string) *Builder {
	b.schema.LoggerName = name
	return b
}

func (b *Builder) DDQConfig(cfg DDQConfig) *Builder {
	b.schema.DDQ = cfg
	return b
}

// Build finalizes the schema, indexing properties by name.
func (b *Builder) Build() *MessageSchema {
	idx := make(map[string]int, len(b.schema.Properties))
	for i, p := range b.schema.Properties {
		idx[p.Name] = i
	}
	b.schema.propertyIndex = idx
	out := b.schema
	return &out
}
