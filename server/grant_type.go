package server

import "fmt"

// GrantType is a grant_type supported at the token endpoint.
type GrantType int

const (
	GrantAuthorizationCode GrantType = iota + 1
	GrantRefreshToken
	GrantClientCredentials
)

var grantTypeNames = map[GrantType]string{
	GrantAuthorizationCode: "authorization_code",
	GrantRefreshToken:      "refresh_token",
	GrantClientCredentials: "client_credentials",
}

// SupportedGrantTypes lists the grant types in metadata order.
var SupportedGrantTypes = []GrantType{GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials}

// ParseGrantType maps a grant_type parameter to a GrantType. Unknown values
// return ErrUnsupportedGrantType.
func ParseGrantType(s string) (GrantType, error) {
	for gt, name := range grantTypeNames {
		if name == s {
			return gt, nil
		}
	}
	if s == "" {
		return 0, fmt.Errorf("%w: grant_type is required", ErrInvalidRequest)
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedGrantType, s)
}

// String returns the wire name of the grant type.
func (g GrantType) String() string {
	if name, ok := grantTypeNames[g]; ok {
		return name
	}
	return fmt.Sprintf("GrantType(%d)", int(g))
}

// GrantTypeNames returns the wire names of gts.
func GrantTypeNames(gts []GrantType) []string {
	names := make([]string, len(gts))
	for i, gt := range gts {
		names[i] = gt.String()
	}
	return names
}
