// Package semver checks protocol version compatibility between bridge peers.
package semver

import (
	"fmt"
	"regexp"
	"strconv"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:compat"

var majorOnlyRegex = regexp.MustCompile(`^\d+$`)

// Compatibility is the outcome of comparing a local and a remote protocol version.
type Compatibility struct {
	Local      string
	Remote     string
	Compatible bool
	// PeerNewer is set when the remote version is higher than the local one.
	PeerNewer bool
}

// CompatibleRange returns the constraint a peer version must satisfy to talk to
// version: the same major, or the same minor while the major is 0.
func CompatibleRange(version string) (string, error) {
	v, err := masterminds.NewVersion(version)
	if err != nil {
		return "", fmt.Errorf("%s - failed to parse version %q: %w", logPrefix, version, err)
	}
	if v.Major() == 0 {
		return fmt.Sprintf("0.%d.x", v.Minor()), nil
	}
	return fmt.Sprintf("%d.x", v.Major()), nil
}

// CheckCompatible compares the local protocol version with the one a peer announced.
func CheckCompatible(local, remote string) (*Compatibility, error) {
	lv, err := masterminds.NewVersion(local)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse local version %q: %w", logPrefix, local, err)
	}
	rv, err := masterminds.NewVersion(remote)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse remote version %q: %w", logPrefix, remote, err)
	}

	rangeStr, err := CompatibleRange(local)
	if err != nil {
		return nil, err
	}
	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to build constraint %q: %w", logPrefix, rangeStr, err)
	}

	return &Compatibility{
		Local:      lv.String(),
		Remote:     rv.String(),
		Compatible: constraint.Check(rv),
		PeerNewer:  rv.GreaterThan(lv),
	}, nil
}

// SatisfiesRange checks if a version string satisfies a range. A bare number
// matches on the major version.
func SatisfiesRange(version, rangeStr string) bool {
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false
	}

	if majorOnlyRegex.MatchString(rangeStr) {
		major, err := strconv.ParseUint(rangeStr, 10, 64)
		return err == nil && sv.Major() == major
	}

	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}
	return constraint.Check(sv)
}
