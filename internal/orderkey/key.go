// Package orderkey allocates sortable int32 keys between two neighbours.
package orderkey

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Key is the sort key of an item. The zero value is Unordered.
type Key struct {
	value   int32
	ordered bool
}

// Unordered is the key of an item that was never explicitly positioned.
var Unordered = Key{}

// Ordered returns a key carrying v.
func Ordered(v int32) Key {
	return Key{value: v, ordered: true}
}

// Value returns the key value and whether the key is ordered.
func (k Key) Value() (int32, bool) {
	return k.value, k.ordered
}

func (k Key) IsOrdered() bool {
	return k.ordered
}

// SortValue is the value used when a key acts as an interval bound.
// Unordered keys sort last.
func (k Key) SortValue() int32 {
	if !k.ordered {
		return math.MaxInt32
	}
	return k.value
}

// Less orders ordered keys by value and puts unordered keys after them.
func (k Key) Less(other Key) bool {
	switch {
	case k.ordered && other.ordered:
		return k.value < other.value
	case k.ordered:
		return true
	default:
		return false
	}
}

func (k Key) String() string {
	if !k.ordered {
		return "unordered"
	}
	return Encode(k.value)
}

// Encode renders v the way it is stored in a key source value slot.
func Encode(v int32) string {
	return strconv.FormatInt(int64(v), 10)
}

// Decode parses a stored key source value.
func Decode(raw string) (int32, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("decode order key %q: %w", raw, err)
	}
	return int32(parsed), nil
}

// Parse decodes raw into a Key. Values that do not decode are Unordered.
func Parse(raw string) Key {
	v, err := Decode(raw)
	if err != nil {
		return Unordered
	}
	return Ordered(v)
}

// Set is a set of keys already used in a context.
type Set map[int32]struct{}

func NewSet(values ...int32) Set {
	set := make(Set, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func (s Set) Add(v int32) {
	s[v] = struct{}{}
}

func (s Set) Has(v int32) bool {
	_, ok := s[v]
	return ok
}
