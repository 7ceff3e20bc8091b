package transactions

import "github.com/mbd888/fraudwatch/internal/auth"

// AnonymousCustomer replaces customer names in viewer views.
const AnonymousCustomer = "Anonymous Customer"

// Redact returns the view of tx appropriate for role. Admins see the
// record unchanged; everyone else gets the customer name masked and the
// email removed. tx is never modified.
func Redact(tx *Transaction, role auth.Role) *Transaction {
	view := tx.Clone()
	if view == nil || role == auth.RoleAdmin {
		return view
	}
	view.Customer.Name = AnonymousCustomer
	view.Customer.Email = ""
	return view
}

// RedactAll applies Redact to every element.
func RedactAll(txs []*Transaction, role auth.Role) []*Transaction {
	out := make([]*Transaction, len(txs))
	for i, tx := range txs {
		out[i] = Redact(tx, role)
	}
	return out
}
