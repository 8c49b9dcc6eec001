package ledger

import "errors"

// Error taxonomy shared by the settlement engine, the stores and the transports.
// Callers classify with errors.Is.
var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadySold         = errors.New("lot already sold")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrDataIntegrity       = errors.New("data integrity violation")
	ErrTransient           = errors.New("temporary failure, try again")
	ErrConflict            = errors.New("conflicting write")
)

// IsDomain reports whether err is an expected outcome rather than an I/O failure
func IsDomain(err error) bool {
	for _, target := range []error{
		ErrUnauthenticated,
		ErrNotFound,
		ErrInvalidInput,
		ErrInsufficientBalance,
		ErrAlreadySold,
		ErrInvalidQuantity,
		ErrDataIntegrity,
		ErrTransient,
		ErrConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
