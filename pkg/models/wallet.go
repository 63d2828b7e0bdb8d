package models

// WalletOwnerType distinguishes personal from project wallets.
type WalletOwnerType string

const (
	WalletOwnerUser    WalletOwnerType = "user"
	WalletOwnerProject WalletOwnerType = "project"
)

// Wallet identifies funds held against a (owner, product category) pair in
// the external ledger.
type Wallet struct {
	OwnerID   string          `json:"owner_id"`
	OwnerType WalletOwnerType `json:"owner_type"`
	Category  string          `json:"category"`
	Provider  string          `json:"provider"`
}

// WalletFor derives the wallet a job is billed against.
func WalletFor(owner JobOwner, product ProductReference) Wallet {
	w := Wallet{
		OwnerID:   owner.LaunchedBy,
		OwnerType: WalletOwnerUser,
		Category:  product.Category,
		Provider:  product.Provider,
	}
	if owner.Project != nil {
		w.OwnerID = *owner.Project
		w.OwnerType = WalletOwnerProject
	}
	return w
}
