package domain

// CreateStatus is the outcome enumeration for CreateUser. Validation failures
// are reported through this status rather than as errors so callers can map
// them to user-facing messages without unwrapping.
type CreateStatus int

const (
	CreateSuccess CreateStatus = iota
	CreateInvalidUserName
	CreateInvalidPassword
	CreateInvalidQuestion
	CreateInvalidAnswer
	CreateInvalidEmail
	CreateInvalidUserKey
	CreateDuplicateUserName
	CreateDuplicateEmail
	CreateDuplicateUserKey
	CreateUserRejected
	CreateProviderError
)

func (s CreateStatus) String() string {
	switch s {
	case CreateSuccess:
		return "success"
	case CreateInvalidUserName:
		return "invalid user name"
	case CreateInvalidPassword:
		return "invalid password"
	case CreateInvalidQuestion:
		return "invalid question"
	case CreateInvalidAnswer:
		return "invalid answer"
	case CreateInvalidEmail:
		return "invalid email"
	case CreateInvalidUserKey:
		return "invalid user key"
	case CreateDuplicateUserName:
		return "duplicate user name"
	case CreateDuplicateEmail:
		return "duplicate email"
	case CreateDuplicateUserKey:
		return "duplicate user key"
	case CreateUserRejected:
		return "user rejected"
	case CreateProviderError:
		return "provider error"
	default:
		return "unknown"
	}
}
