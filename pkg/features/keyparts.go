package features

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/adammck/placer/pkg/api"
)

const (
	KeyPartsTag      = "keyparts"
	DefaultSeparator = ":"
	DefaultParts     = 3
)

// KeyParts splits keys like "user:1234:profile" on a separator, and exposes
// each part twice: as a categorical feature "p<i>" holding the raw string, and
// as a continuous feature "n<i>" holding the part's numeric value if it has
// one. Parts beyond the last are absent. The final part keeps any remaining
// separators.
type KeyParts struct {
	sep   string
	parts int
	feats []Feature
}

func NewKeyParts(sep string, parts int) *KeyParts {
	if parts < 1 {
		parts = 1
	}

	feats := make([]Feature, 0, parts*2)
	for i := 0; i < parts; i++ {
		feats = append(feats, Feature{Name: fmt.Sprintf("p%d", i), Type: Categorical})
	}
	for i := 0; i < parts; i++ {
		feats = append(feats, Feature{Name: fmt.Sprintf("n%d", i), Type: Continuous})
	}

	return &KeyParts{
		sep:   sep,
		parts: parts,
		feats: feats,
	}
}

func (kp *KeyParts) Features() []Feature {
	out := make([]Feature, len(kp.feats))
	copy(out, kp.feats)
	return out
}

func (kp *KeyParts) ValuesFor(key api.Key) Vector {
	v := Vector{}

	for i, part := range strings.SplitN(string(key), kp.sep, kp.parts) {
		val := String(part)
		if val.IsAbsent() {
			continue
		}

		v[fmt.Sprintf("p%d", i)] = val

		s, _ := val.Str()
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			v[fmt.Sprintf("n%d", i)] = Number(f)
		}
	}

	return v
}
