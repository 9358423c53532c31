package solo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// ChannelName names the rendezvous resource shared by every compatible build
// of one application. It only ever contains ASCII letters, digits and
// underscores, so it is usable as a socket, pipe or kernel object name on
// every supported platform.
type ChannelName string

// maxChannelNameLen keeps names comfortably inside the abstract socket and
// named pipe limits once a backend prefix is added.
const maxChannelNameLen = 96

// ErrInvalidAppID is returned for application identifiers that are empty or
// contain characters other than letters, digits, '.', '-' and '_'.
var ErrInvalidAppID = errors.New("invalid application identifier")

var appIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ParseVersion parses a semantic version. Loose forms such as "v1.2" are
// accepted and completed with zeros.
func ParseVersion(version string) (*semver.Version, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid version %q", version)
	}
	return v, nil
}

// CompatibilityClass collapses v into the class of versions it is compatible
// with: "N_x_x" for N >= 1, "0_N_x" for 0.N with N >= 1, and "0_0_N" for
// 0.0.N. Pre-releases are never collapsed; their class is the escaped
// major.minor.patch-prerelease string. Build metadata is ignored.
func CompatibilityClass(v *semver.Version) string {
	if v.Prerelease() != "" {
		return escapeName(fmt.Sprintf("%d.%d.%d-%s", v.Major(), v.Minor(), v.Patch(), v.Prerelease()))
	}
	switch {
	case v.Major() >= 1:
		return fmt.Sprintf("%d_x_x", v.Major())
	case v.Minor() >= 1:
		return fmt.Sprintf("0_%d_x", v.Minor())
	default:
		return fmt.Sprintf("0_0_%d", v.Patch())
	}
}

// DeriveChannelName computes the channel name for appID at version v. Two
// calls return the same name if and only if appID is equal and both versions
// share a CompatibilityClass.
func DeriveChannelName(appID string, v *semver.Version) (ChannelName, error) {
	if !appIDPattern.MatchString(appID) {
		return "", errors.Wrapf(ErrInvalidAppID, "%q", appID)
	}
	name := escapeName(appID) + "_" + CompatibilityClass(v)
	if len(name) > maxChannelNameLen {
		sum := sha256.Sum256([]byte(name))
		name = name[:63] + "_" + hex.EncodeToString(sum[:16])
	}
	return ChannelName(name), nil
}

// escapeName replaces every byte that is not an ASCII letter or digit with
// '_' followed by its two hex digits. The mapping is injective, so distinct
// inputs never produce the same name.
func escapeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlnum(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "_%02x", c)
	}
	return b.String()
}

func isAlnum(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}
