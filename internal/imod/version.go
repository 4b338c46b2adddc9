package imod

import (
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Version is an IMOD release number such as 4.11.24.
type Version struct {
	Major, Minor, Patch int
}

// ParseVersion parses "major.minor[.patch]". Trailing text after the numbers
// (e.g. "4.12.3 (beta)") is ignored.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '-' || r == '_' }); i >= 0 {
		s = s[:i]
	}
	if n := strings.Count(s, "."); n < 1 || n > 2 {
		return Version{}, fmt.Errorf("invalid IMOD version: %q", s)
	}
	v, err := goversion.NewVersion(s)
	if err != nil {
		return Version{}, fmt.Errorf("invalid IMOD version %q: %w", s, err)
	}
	seg := v.Segments()
	return Version{Major: seg[0], Minor: seg[1], Patch: seg[2]}, nil
}

func (v Version) semver() *goversion.Version {
	return goversion.Must(goversion.NewVersion(v.String()))
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	return v.semver().Compare(o.semver())
}

// Less reports whether v is older than o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
