package ptx

import (
	"strings"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	"golang.org/x/mod/semver"
)

// ISA is a PTX instruction-set version and the minimum target it is
// emitted for.
type ISA struct {
	Version string // e.g. "8.5"
	Target  string // e.g. "sm_90"
}

// SupportedISAs lists the versions the generator can emit, highest
// priority first.
var SupportedISAs = []ISA{
	{Version: "8.5", Target: "sm_90"},
	{Version: "8.0", Target: "sm_89"},
	{Version: "7.8", Target: "sm_80"},
	{Version: "7.5", Target: "sm_75"},
	{Version: "7.0", Target: "sm_70"},
	{Version: "6.4", Target: "sm_61"},
}

func canonical(v string) string {
	return "v" + strings.TrimPrefix(v, "v")
}

// SelectISA resolves a requested version against SupportedISAs. An empty
// request or "latest" picks the highest priority entry.
func SelectISA(requested string) (ISA, error) {
	if len(SupportedISAs) == 0 {
		return ISA{}, errors.Wrap(errdefs.ErrFailedPrecondition, "no supported ISA versions")
	}
	if requested == "" || requested == "latest" {
		return SupportedISAs[0], nil
	}
	want := canonical(requested)
	if !semver.IsValid(want) {
		return ISA{}, errors.Wrapf(errdefs.ErrInvalidArgument, "malformed ISA version %q", requested)
	}
	for _, isa := range SupportedISAs {
		if semver.Compare(canonical(isa.Version), want) == 0 {
			return isa, nil
		}
	}
	return ISA{}, errors.Wrapf(errdefs.ErrInvalidArgument, "unsupported ISA version %q", requested)
}

// AtLeast reports whether the ISA version is v or newer.
func (isa ISA) AtLeast(v string) bool {
	return semver.Compare(canonical(isa.Version), canonical(v)) >= 0
}
