// Package identity resolves bearer credentials to marketplace accounts and
// owns the policy predicate deciding which account pairs may chat.
package identity

// Account is the chat-visible projection of a marketplace account. The full
// account/profile data model lives in the main application; the chat service
// only needs identity, display fields, and the two capability flags.
type Account struct {
	ID              int64
	Username        string
	ProfileImage    string
	IsCustomer      bool
	IsSkilledWorker bool
}

// CanChat reports whether two accounts may open a room with each other. Two
// customers or two skilled workers can't chat together, but an account that
// holds both capabilities can chat with anyone.
func CanChat(a, b *Account) bool {
	if a == nil || b == nil {
		return false
	}

	if (a.IsCustomer && a.IsSkilledWorker) || (b.IsCustomer && b.IsSkilledWorker) {
		return true
	}
	if a.IsCustomer && b.IsSkilledWorker {
		return true
	}
	if a.IsSkilledWorker && b.IsCustomer {
		return true
	}
	return false
}
