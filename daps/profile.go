package daps

import (
	"fmt"

	"github.com/pkg/errors"
)

// SecurityProfile is the ordered connector trust level carried in the
// DAT's securityProfile claim.
type SecurityProfile int

const (
	SecurityProfileBase SecurityProfile = iota + 1
	SecurityProfileTrusted
	SecurityProfileTrustedPlus
)

const (
	profileBaseURI        = "idsc:BASE_CONNECTOR_SECURITY_PROFILE"
	profileTrustedURI     = "idsc:TRUSTED_CONNECTOR_SECURITY_PROFILE"
	profileTrustedPlusURI = "idsc:TRUSTED_CONNECTOR_PLUS_SECURITY_PROFILE"
)

func ParseSecurityProfile(s string) (SecurityProfile, error) {
	switch s {
	case profileBaseURI:
		return SecurityProfileBase, nil
	case profileTrustedURI:
		return SecurityProfileTrusted, nil
	case profileTrustedPlusURI:
		return SecurityProfileTrustedPlus, nil
	}
	return 0, errors.Errorf("unknown security profile %q", s)
}

func (p SecurityProfile) String() string {
	switch p {
	case SecurityProfileBase:
		return profileBaseURI
	case SecurityProfileTrusted:
		return profileTrustedURI
	case SecurityProfileTrustedPlus:
		return profileTrustedPlusURI
	default:
		return fmt.Sprintf("SecurityProfile(%d)", int(p))
	}
}
