// Package fingerprint computes deterministic, order-stable digests of nested
// call arguments. Digests are used as cache keys and execution-guard keys, so
// the encoding below is frozen: changing it invalidates every stored result.
//
// Leaves are stringified and hashed individually; containers hash the
// concatenation of their children's digests. Floats are formatted to a fixed
// number of decimal digits before hashing so that values equal up to that
// precision share a fingerprint.
//
// Mappings hash in iteration order. For Map that is insertion order; Go maps
// have none, so their entries are hashed in ascending order of the stringified
// key, ties broken by key type and then by digest. This ordering dependence is a known fragility kept for compatibility
// with existing keys.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultDigits is the float precision used by Sum.
const DefaultDigits = 6

// Size is the length of a fingerprint in hex characters.
const Size = md5.Size * 2

// KV is a single Map entry.
type KV struct {
	Key   any
	Value any
}

// Map is a mapping that remembers insertion order.
type Map []KV

// Named values fingerprint as their name rather than their contents. Use it
// for callables and other values whose identity is a globally unique name.
type Named interface {
	FingerprintName() string
}

// Hasher fingerprints values with a fixed float precision.
type Hasher struct {
	digits int
}

// New returns a Hasher formatting floats with digits decimal places.
func New(digits int) *Hasher {
	if digits < 0 {
		digits = DefaultDigits
	}
	return &Hasher{digits: digits}
}

var defaultHasher = New(DefaultDigits)

// Sum fingerprints vs with DefaultDigits. A single argument hashes as itself;
// several hash as a sequence.
func Sum(vs ...any) string {
	return defaultHasher.Sum(vs...)
}

// Digits returns the float precision of h.
func (h *Hasher) Digits() int { return h.digits }

// Sum fingerprints vs. A single argument hashes as itself; several hash as a
// sequence.
func (h *Hasher) Sum(vs ...any) string {
	if len(vs) == 1 {
		return h.value(vs[0])
	}
	return h.value(vs)
}

func (h *Hasher) value(v any) string {
	switch x := v.(type) {
	case nil:
		return leaf("None")
	case Named:
		return leaf(x.FingerprintName())
	case Map:
		var b strings.Builder
		for _, kv := range x {
			b.WriteString(h.value(kv.Key))
			b.WriteString(h.value(kv.Value))
		}
		return leaf(b.String())
	case time.Time:
		return leaf(x.UTC().Format(time.RFC3339Nano))
	case []byte:
		return leaf(string(x))
	case string:
		return leaf(x)
	case bool:
		return leaf(boolString(x))
	case float64:
		return leaf(h.formatFloat(x))
	case float32:
		return leaf(h.formatFloat(float64(x)))
	case fmt.Stringer:
		return leaf(x.String())
	}
	return h.reflectValue(reflect.ValueOf(v))
}

func (h *Hasher) reflectValue(rv reflect.Value) string {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return leaf("None")
		}
		return h.value(rv.Elem().Interface())
	case reflect.Bool:
		return leaf(boolString(rv.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return leaf(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return leaf(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		return leaf(h.formatFloat(rv.Float()))
	case reflect.String:
		return leaf(rv.String())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return leaf("")
		}
		var b strings.Builder
		for i := 0; i < rv.Len(); i++ {
			b.WriteString(h.value(rv.Index(i).Interface()))
		}
		return leaf(b.String())
	case reflect.Map:
		return h.value(h.sortedMap(rv))
	case reflect.Struct:
		return h.value(structMap(rv))
	case reflect.Func:
		if rv.IsNil() {
			return leaf("None")
		}
		return leaf(funcName(rv))
	default:
		return leaf(fmt.Sprint(rv.Interface()))
	}
}

func (h *Hasher) formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', h.digits, 64)
	// -0.000000 and 0.000000 are the same value at this precision.
	if strings.HasPrefix(s, "-") && strings.Trim(s[1:], "0.") == "" {
		s = s[1:]
	}
	return s
}

// sortedMap orders a native map by the string form of its keys. Keys that
// print alike (1 and "1") are ordered by type name, then by their own and
// their value's digests, so the result never depends on map iteration order.
func (h *Hasher) sortedMap(rv reflect.Value) Map {
	type entry struct {
		name, typ, key, value string
		kv                    KV
	}
	entries := make([]entry, 0, rv.Len())
	for iter := rv.MapRange(); iter.Next(); {
		k, v := iter.Key().Interface(), iter.Value().Interface()
		entries = append(entries, entry{
			name: fmt.Sprint(k),
			typ:  fmt.Sprintf("%T", k),
			kv:   KV{Key: k, Value: v},
		})
	}
	less := func(a, b entry) bool {
		if a.name != b.name {
			return a.name < b.name
		}
		return a.typ < b.typ
	}
	sort.Slice(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
	for i := 1; i < len(entries); i++ {
		if less(entries[i-1], entries[i]) {
			continue
		}
		// A tie: fall back to digests for the whole run of equal keys.
		j := i
		for j < len(entries) && !less(entries[i-1], entries[j]) {
			j++
		}
		run := entries[i-1 : j]
		for r := range run {
			run[r].key = h.value(run[r].kv.Key)
			run[r].value = h.value(run[r].kv.Value)
		}
		sort.Slice(run, func(a, b int) bool {
			if run[a].key != run[b].key {
				return run[a].key < run[b].key
			}
			return run[a].value < run[b].value
		})
		i = j - 1
	}

	m := make(Map, len(entries))
	for i, e := range entries {
		m[i] = e.kv
	}
	return m
}

func structMap(rv reflect.Value) Map {
	rt := rv.Type()
	m := make(Map, 0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		m = append(m, KV{Key: f.Name, Value: rv.Field(i).Interface()})
	}
	return m
}

func funcName(rv reflect.Value) string {
	fn := runtime.FuncForPC(rv.Pointer())
	if fn == nil {
		return fmt.Sprintf("func@%x", rv.Pointer())
	}
	return fn.Name()
}

func boolString(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func leaf(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
