// Package typelattice answers the single question the builder needs at
// wire-up time: can a value of this source type flow into an input of that
// destination type. It implements a covariant subtype lattice with Any as
// top, numeric widening, covariant containers and tuples, unions, and an
// external file-format hierarchy resolved through a small delegate
// interface.
package typelattice

import "fmt"

// Tag identifies the shape of a Type.
type Tag int

const (
	TagAny Tag = iota
	TagPrimitive
	TagFormat
	TagSequence
	TagTuple
	TagSet
	TagMap
	TagUnion
)

// Type is a node in the lattice. Only the fields relevant to Tag are set;
// the zero value of the irrelevant fields is ignored.
type Type struct {
	Tag Tag

	// Name holds the primitive or format tag name (e.g. "int", "Png").
	Name string

	// Elem is the element type for sequences and sets, and the value type
	// for maps.
	Elem *Type

	// Key is the key type for maps; nil means string keys.
	Key *Type

	// Elems holds the per-position types of a fixed-arity tuple.
	Elems []Type

	// Variants holds the member types of a union.
	Variants []Type
}

func (t Type) String() string {
	switch t.Tag {
	case TagAny:
		return "Any"
	case TagPrimitive, TagFormat:
		return t.Name
	case TagSequence:
		return fmt.Sprintf("[%s]", t.Elem)
	case TagSet:
		return fmt.Sprintf("{%s}", t.Elem)
	case TagMap:
		if t.Key != nil {
			return fmt.Sprintf("map[%s]%s", t.Key, t.Elem)
		}
		return fmt.Sprintf("map[string]%s", t.Elem)
	case TagTuple:
		return fmt.Sprintf("tuple%v", t.Elems)
	case TagUnion:
		return fmt.Sprintf("union%v", t.Variants)
	default:
		return "?"
	}
}

// Any is the top of the lattice: assignable in both directions.
var Any = Type{Tag: TagAny}

// Primitive constructs a primitive type by name ("int", "float", "string",
// "bool", ...).
func Primitive(name string) Type { return Type{Tag: TagPrimitive, Name: name} }

// Format constructs a file-format type tag, resolved through a
// FormatDelegate at assignability-check time.
func Format(name string) Type { return Type{Tag: TagFormat, Name: name} }

// Sequence constructs an ordered sequence of elem.
func Sequence(elem Type) Type { return Type{Tag: TagSequence, Elem: &elem} }

// Set constructs an unordered set of elem.
func Set(elem Type) Type { return Type{Tag: TagSet, Elem: &elem} }

// Mapping constructs a mapping from key to elem. A nil key defaults to
// string keys.
func Mapping(key *Type, elem Type) Type { return Type{Tag: TagMap, Key: key, Elem: &elem} }

// Tuple constructs a fixed-arity tuple.
func Tuple(elems ...Type) Type { return Type{Tag: TagTuple, Elems: elems} }

// Union constructs a union of variants.
func Union(variants ...Type) Type { return Type{Tag: TagUnion, Variants: variants} }

var (
	Int    = Primitive("int")
	Float  = Primitive("float")
	String = Primitive("string")
	Bool   = Primitive("bool")
)

// Compat is the result of an assignability check.
type Compat int

const (
	Reject Compat = iota
	OK
	OKCoercion
)

func (c Compat) Ok() bool { return c == OK || c == OKCoercion }

// FormatDelegate resolves the ancestor chain for a file-format type tag.
// A real deployment implements this against its file-format registry.
type FormatDelegate interface {
	// Ancestors returns tag's supertypes, nearest first, not including tag
	// itself. The chain always terminates at a root format (conventionally
	// "File").
	Ancestors(tag string) []string
	// CanonicalName normalizes a tag to its registered spelling.
	CanonicalName(tag string) string
}

// Oracle answers Assignable queries over the lattice, delegating file-format
// ancestry to Formats.
type Oracle struct {
	Formats FormatDelegate
}

// NewOracle constructs an Oracle. A nil delegate falls back to
// BuiltinFormats, a small built-in table useful for tests and for modules
// that have no real format registry to plug in.
func NewOracle(delegate FormatDelegate) *Oracle {
	if delegate == nil {
		delegate = BuiltinFormats{}
	}
	return &Oracle{Formats: delegate}
}

// Assignable answers whether a value declared as src may flow into a slot
// declared as dst.
func (o *Oracle) Assignable(src, dst Type) Compat {
	// Any is top in both directions, and a lazy source postponed to Any
	// always passes (runtime re-check happens at dispatch).
	if src.Tag == TagAny || dst.Tag == TagAny {
		return OK
	}

	if dst.Tag == TagUnion {
		return o.assignableToUnion(src, dst)
	}
	if src.Tag == TagUnion {
		return o.unionAssignableTo(src, dst)
	}

	if src.Tag != dst.Tag {
		return o.crossTagAssignable(src, dst)
	}

	switch src.Tag {
	case TagPrimitive:
		return o.primitiveAssignable(src, dst)
	case TagFormat:
		return o.formatAssignable(src, dst)
	case TagSequence, TagSet:
		return o.Assignable(*src.Elem, *dst.Elem)
	case TagMap:
		keyCompat := OK
		if src.Key != nil || dst.Key != nil {
			sk, dk := derefKey(src.Key), derefKey(dst.Key)
			keyCompat = o.Assignable(sk, dk)
		}
		if !keyCompat.Ok() {
			return Reject
		}
		return weaker(keyCompat, o.Assignable(*src.Elem, *dst.Elem))
	case TagTuple:
		return o.tupleAssignable(src, dst)
	default:
		return Reject
	}
}

func derefKey(k *Type) Type {
	if k == nil {
		return String
	}
	return *k
}

func (o *Oracle) crossTagAssignable(src, dst Type) Compat {
	// int -> float widening is the one cross-primitive-tag special case;
	// everything else crossing tags is a straightforward reject.
	if src.Tag == TagPrimitive && dst.Tag == TagPrimitive {
		return o.primitiveAssignable(src, dst)
	}
	return Reject
}

func (o *Oracle) primitiveAssignable(src, dst Type) Compat {
	if src.Name == dst.Name {
		return OK
	}
	if src.Name == "int" && dst.Name == "float" {
		return OKCoercion
	}
	return Reject
}

func (o *Oracle) formatAssignable(src, dst Type) Compat {
	srcName := o.Formats.CanonicalName(src.Name)
	dstName := o.Formats.CanonicalName(dst.Name)
	if srcName == dstName {
		return OK
	}
	for _, a := range o.Formats.Ancestors(srcName) {
		if a == dstName {
			return OK
		}
	}
	return Reject
}

func (o *Oracle) tupleAssignable(src, dst Type) Compat {
	if len(src.Elems) != len(dst.Elems) {
		return Reject
	}
	best := OK
	for i := range src.Elems {
		c := o.Assignable(src.Elems[i], dst.Elems[i])
		if !c.Ok() {
			return Reject
		}
		best = weaker(best, c)
	}
	return best
}

// assignableToUnion: some variant of dst must accept src.
func (o *Oracle) assignableToUnion(src, dst Type) Compat {
	for _, v := range dst.Variants {
		if c := o.Assignable(src, v); c.Ok() {
			return c
		}
	}
	return Reject
}

// unionAssignableTo: all variants of src must satisfy dst.
func (o *Oracle) unionAssignableTo(src, dst Type) Compat {
	best := OK
	for _, v := range src.Variants {
		c := o.Assignable(v, dst)
		if !c.Ok() {
			return Reject
		}
		best = weaker(best, c)
	}
	return best
}

func weaker(a, b Compat) Compat {
	if a == Reject || b == Reject {
		return Reject
	}
	if a == OKCoercion || b == OKCoercion {
		return OKCoercion
	}
	return OK
}

// BuiltinFormats is a small in-memory FormatDelegate covering common media
// tags, standing in for a real external file-format registry. A deployment
// wires its own registry by implementing FormatDelegate and passing it to
// NewOracle.
type BuiltinFormats struct{}

var builtinAncestors = map[string][]string{
	"Png":        {"Image", "File"},
	"Jpeg":       {"Image", "File"},
	"Gif":        {"Image", "File"},
	"Mp4":        {"Video", "File"},
	"Quicktime":  {"Video", "File"},
	"Webm":       {"Video", "File"},
	"Wav":        {"Audio", "File"},
	"Mp3":        {"Audio", "File"},
	"Csv":        {"Table", "File"},
	"Parquet":    {"Table", "File"},
	"Nifti":      {"Volume", "File"},
	"Image":      {"File"},
	"Video":      {"File"},
	"Audio":      {"File"},
	"Table":      {"File"},
	"Volume":     {"File"},
	"File":       {},
}

func (BuiltinFormats) Ancestors(tag string) []string {
	chain := builtinAncestors[tag]
	out := make([]string, len(chain))
	copy(out, chain)
	return out
}

func (BuiltinFormats) CanonicalName(tag string) string { return tag }
