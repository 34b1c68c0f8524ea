package fhirclient

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Release is a published FHIR release. It selects the prefetch wire format
// used in CDS Hooks requests.
type Release string

const (
	ReleaseUnknown Release = ""
	ReleaseDSTU2   Release = "DSTU2"
	ReleaseSTU3    Release = "STU3"
	ReleaseR4      Release = "R4"
	ReleaseR5      Release = "R5"
)

// releaseRanges maps fhirVersion ranges to releases. R4B (4.3.x) is served as R4.
var releaseRanges = []struct {
	constraint string
	release    Release
}{
	{"~1.0", ReleaseDSTU2},
	{"~3.0", ReleaseSTU3},
	{">= 4.0.0, < 4.4.0", ReleaseR4},
	{">= 4.4.0, < 6.0.0", ReleaseR5},
}

// ParseRelease maps a CapabilityStatement.fhirVersion (e.g. "4.0.1") to a Release.
func ParseRelease(fhirVersion string) (Release, error) {
	v, err := semver.NewVersion(fhirVersion)
	if err != nil {
		return ReleaseUnknown, fmt.Errorf("parse fhir version %q: %w", fhirVersion, err)
	}
	// Ballot and snapshot builds (5.0.0-snapshot1) count as their release.
	base, err := v.SetPrerelease("")
	if err != nil {
		return ReleaseUnknown, fmt.Errorf("parse fhir version %q: %w", fhirVersion, err)
	}
	for _, r := range releaseRanges {
		c, err := semver.NewConstraint(r.constraint)
		if err != nil {
			return ReleaseUnknown, err
		}
		if c.Check(&base) {
			return r.release, nil
		}
	}
	return ReleaseUnknown, fmt.Errorf("unsupported fhir version %q", fhirVersion)
}

func (r Release) String() string {
	if r == ReleaseUnknown {
		return "unknown"
	}
	return string(r)
}
