package httpserver

import (
	"errors"

	"github.com/tokligence/taskd/internal/ledger"
	"github.com/tokligence/taskd/internal/provider"
)

// admissionErrors reject a request before any side effect.
var admissionErrors = []error{
	ledger.ErrInsufficientFunds,
	ledger.ErrAccountNotFound,
	ledger.ErrInvalidAmount,
	provider.ErrUnknownGenerator,
	provider.ErrUnknownVersion,
	provider.ErrUnknownProvider,
}

func isAdmissionError(err error) bool {
	for _, target := range admissionErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
