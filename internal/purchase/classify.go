package purchase

import (
	"errors"

	"github.com/MarkoPoloResearchLab/starshop/internal/marketplace"
	"github.com/MarkoPoloResearchLab/starshop/internal/settlement"
	"github.com/MarkoPoloResearchLab/starshop/pkg/ledger"
)

var failureClasses = []struct {
	err   error
	class string
}{
	{err: ledger.ErrInvalidQuantity, class: "invalid_quantity"},
	{err: ledger.ErrInvalidRecipient, class: "invalid_recipient"},
	{err: ledger.ErrUnknownUser, class: "unknown_user"},
	{err: ledger.ErrUserBlocked, class: "user_blocked"},
	{err: ledger.ErrInsufficientFunds, class: "insufficient_funds"},
	{err: marketplace.ErrRecipientNotFound, class: "recipient_not_found"},
	{err: marketplace.ErrSessionRejected, class: "session_rejected"},
	{err: marketplace.ErrQuoteRejected, class: "quote_rejected"},
	{err: marketplace.ErrInvalidRequest, class: "invalid_request"},
	{err: marketplace.ErrGatewayUnavailable, class: "gateway_unavailable"},
	{err: settlement.ErrUnconfirmed, class: "unconfirmed"},
	{err: settlement.ErrInvalidQuote, class: "invalid_quote"},
	{err: settlement.ErrExecutionFailed, class: "execution_failed"},
}

// classify maps a purchase error to a low-cardinality label.
func classify(err error) string {
	if err == nil {
		return "none"
	}
	for _, failureClass := range failureClasses {
		if errors.Is(err, failureClass.err) {
			return failureClass.class
		}
	}
	return "internal"
}
