// Package nibbles provides a nibble-addressed (4-bit) view over byte slices,
// the native key unit of the Merkle-Patricia trie.
package nibbles

import "fmt"

// View is an immutable, cheaply-sliceable window over a byte-packed nibble
// sequence. begin/end are nibble offsets, not byte offsets; two nibbles
// share a byte, high nibble first.
type View struct {
	data  []byte
	begin int
	end   int
}

// FromBytes wraps a full byte slice as a nibble view with length len(b)*2.
func FromBytes(b []byte) View {
	return View{data: b, begin: 0, end: len(b) * 2}
}

// FromNibbles packs a slice of nibble values (each 0-15) into a View.
func FromNibbles(ns []byte) View {
	packed := make([]byte, (len(ns)+1)/2)
	for i, n := range ns {
		if n > 0xf {
			panic(fmt.Sprintf("nibbles: value %d out of range", n))
		}
		if i%2 == 0 {
			packed[i/2] = n << 4
		} else {
			packed[i/2] |= n
		}
	}
	return View{data: packed, begin: 0, end: len(ns)}
}

// Len returns the number of nibbles in the view.
func (v View) Len() int { return v.end - v.begin }

// Empty reports whether the view has zero length.
func (v View) Empty() bool { return v.begin >= v.end }

// At returns the nibble value (0-15) at logical index i.
func (v View) At(i int) byte {
	idx := v.begin + i
	b := v.data[idx/2]
	if idx%2 == 0 {
		return b >> 4
	}
	return b & 0x0f
}

// Slice returns the sub-view [a, b) of nibble indices, relative to v.
func (v View) Slice(a, b int) View {
	if a < 0 || b > v.Len() || a > b {
		panic(fmt.Sprintf("nibbles: slice [%d:%d) out of range for len %d", a, b, v.Len()))
	}
	return View{data: v.data, begin: v.begin + a, end: v.begin + b}
}

// From returns the suffix view starting at nibble index i.
func (v View) From(i int) View { return v.Slice(i, v.Len()) }

// Prefix returns the first n nibbles.
func (v View) Prefix(n int) View { return v.Slice(0, n) }

// Equal reports whether two views contain the same nibble sequence.
func (v View) Equal(o View) bool {
	if v.Len() != o.Len() {
		return false
	}
	for i := 0; i < v.Len(); i++ {
		if v.At(i) != o.At(i) {
			return false
		}
	}
	return true
}

// LongestCommonPrefix returns the length of the shared prefix of v and o.
func (v View) LongestCommonPrefix(o View) int {
	n := v.Len()
	if o.Len() < n {
		n = o.Len()
	}
	i := 0
	for i < n && v.At(i) == o.At(i) {
		i++
	}
	return i
}

// Pack returns a freshly-allocated, tightly-packed byte slice containing
// exactly this view's nibbles (high nibble first), suitable for on-disk
// encoding. The returned slice has len = (Len()+1)/2.
func (v View) Pack() []byte {
	out := make([]byte, (v.Len()+1)/2)
	for i := 0; i < v.Len(); i++ {
		n := v.At(i)
		if i%2 == 0 {
			out[i/2] = n << 4
		} else {
			out[i/2] |= n
		}
	}
	return out
}

// Append returns a new View (backed by freshly-allocated storage) equal to
// v followed by o.
func (v View) Append(o View) View {
	ns := make([]byte, 0, v.Len()+o.Len())
	for i := 0; i < v.Len(); i++ {
		ns = append(ns, v.At(i))
	}
	for i := 0; i < o.Len(); i++ {
		ns = append(ns, o.At(i))
	}
	return FromNibbles(ns)
}

// String renders the nibbles as a hex string, for debugging/logging.
func (v View) String() string {
	const hex = "0123456789abcdef"
	out := make([]byte, v.Len())
	for i := 0; i < v.Len(); i++ {
		out[i] = hex[v.At(i)]
	}
	return string(out)
}
