package api

// Key is a key in the store. Placement works on individual keys rather than
// ranges of them, so keys have no ordering.
type Key string

func (k Key) String() string {
	return string(k)
}
