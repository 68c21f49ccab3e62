package cloud

// UserTokenKind discriminates the externally observable token states.
type UserTokenKind int

const (
	// UserTokenInit is the seed value of the token-state stream. It is only
	// ever observed before the first real token event and never re-emitted.
	UserTokenInit UserTokenKind = iota

	// UserTokenRefreshed means a fresh token is installed; the token value
	// accompanies the state.
	UserTokenRefreshed

	// UserTokenInvalid means the token was rejected and the session is torn
	// down until a new login supplies one.
	UserTokenInvalid
)

// String returns the string representation of a UserTokenKind.
func (k UserTokenKind) String() string {
	switch k {
	case UserTokenInit:
		return "init"
	case UserTokenRefreshed:
		return "refreshed"
	case UserTokenInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// UserTokenState is the externally observable token state.
type UserTokenState struct {
	Kind UserTokenKind
	// Token carries the access token for UserTokenRefreshed, else empty.
	Token string
}
