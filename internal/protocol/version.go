package protocol

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// The -0 bounds let pre-releases such as 1.0.0-beta through.
var versionConstraint *semver.Constraints

func init() {
	var err error
	versionConstraint, err = semver.NewConstraint(">= 1.0.0-0, < 2.0.0-0")
	if err != nil {
		panic(err)
	}
}

// CheckVersion accepts any 1.x client. Versions must carry a minor part;
// ones semver cannot parse, like 1.x, pass on the major prefix alone.
func CheckVersion(version string) error {
	if version == "" {
		return Errorf(CodeVersionMismatch, "missing protocol version, server speaks %s", Version)
	}
	if !strings.HasPrefix(version, "1.") {
		return Errorf(CodeVersionMismatch, "unsupported protocol version %s, server speaks %s", version, Version)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil
	}
	if !versionConstraint.Check(v) {
		return Errorf(CodeVersionMismatch, "unsupported protocol version %s, server speaks %s", version, Version)
	}
	return nil
}
