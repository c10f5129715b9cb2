package headers

import "strings"

// Fields is an ordered header list with case-insensitive access.
// Names are stored lowercase.
type Fields struct {
	list [][2]string
}

// Set replaces every value of key with value.
func (f *Fields) Set(key, value string) {
	key = strings.ToLower(key)
	for i := range f.list {
		if f.list[i][0] == key {
			f.list[i][1] = value
			f.delFrom(key, i+1)
			return
		}
	}
	f.list = append(f.list, [2]string{key, value})
}

// Add appends a value for key, keeping existing ones.
func (f *Fields) Add(key, value string) {
	f.list = append(f.list, [2]string{strings.ToLower(key), value})
}

// Get returns the first value of key.
func (f *Fields) Get(key string) string {
	return Get(f.list, strings.ToLower(key))
}

// Has reports whether key is present.
func (f *Fields) Has(key string) bool {
	key = strings.ToLower(key)
	for i := range f.list {
		if f.list[i][0] == key {
			return true
		}
	}
	return false
}

// Del removes every value of key.
func (f *Fields) Del(key string) {
	f.delFrom(strings.ToLower(key), 0)
}

func (f *Fields) delFrom(key string, start int) {
	out := f.list[:start]
	for _, kv := range f.list[start:] {
		if kv[0] != key {
			out = append(out, kv)
		}
	}
	f.list = out
}

// All returns the fields in insertion order. The slice must not be modified.
func (f *Fields) All() [][2]string {
	return f.list
}

// Len returns the number of fields.
func (f *Fields) Len() int {
	return len(f.list)
}

// Reset removes all fields, keeping the backing storage.
func (f *Fields) Reset() {
	f.list = f.list[:0]
}
