package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeAvailable AccountSubType = iota
	SubTypeMargin
	SubTypePendingWithdrawal

	// System sub-types
	SubTypeSystemVault
	SubTypeSystemFees
	SubTypeSystemInsuranceFund
	SubTypeSystemIssuance

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID maps asset symbols to numeric IDs
type AssetID uint16

const (
	AssetReserve   AssetID = 1 // USDC, 6 dp
	AssetSynthetic AssetID = 2 // QEURO, 18 dp
)

var (
	assetToID = map[string]AssetID{
		"USDC":  AssetReserve,
		"QEURO": AssetSynthetic,
	}
	idToAsset = map[AssetID]string{
		AssetReserve:   "USDC",
		AssetSynthetic: "QEURO",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for user accounts, name bytes for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(account uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: account,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// Well-known system accounts.
func VaultReserveAccount() AccountKey {
	return NewSystemAccountKey("vault", SubTypeSystemVault, AssetReserve)
}

func FeeAccount() AccountKey {
	return NewSystemAccountKey("fees", SubTypeSystemFees, AssetReserve)
}

func InsuranceFundAccount() AccountKey {
	return NewSystemAccountKey("insurance", SubTypeSystemInsuranceFund, AssetReserve)
}

// IssuanceAccount is the contra-account for synthetic supply: every minted
// unit is a debit on the holder and a credit here, so its (negative)
// balance always equals outstanding supply.
func IssuanceAccount() AccountKey {
	return NewSystemAccountKey("issuance", SubTypeSystemIssuance, AssetSynthetic)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath, used when loading
// persisted balances.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	switch parts[0] {
	case "user":
		if len(parts) != 4 {
			return AccountKey{}, fmt.Errorf("malformed user account path %q", path)
		}
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		subType, ok := userSubTypeByName(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type %q", path, parts[2])
		}
		assetID, ok := GetAssetID(parts[3])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown asset %q", path, parts[3])
		}
		return NewUserAccountKey(uid, subType, assetID), nil

	case "system":
		if len(parts) != 3 {
			return AccountKey{}, fmt.Errorf("malformed system account path %q", path)
		}
		assetID, ok := GetAssetID(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown asset %q", path, parts[2])
		}
		switch parts[1] {
		case "vault":
			return NewSystemAccountKey("vault", SubTypeSystemVault, assetID), nil
		case "fees":
			return NewSystemAccountKey("fees", SubTypeSystemFees, assetID), nil
		case "insurance_fund":
			return NewSystemAccountKey("insurance", SubTypeSystemInsuranceFund, assetID), nil
		case "issuance":
			return NewSystemAccountKey("issuance", SubTypeSystemIssuance, assetID), nil
		}
		return AccountKey{}, fmt.Errorf("account path %q: unknown system account", path)

	case "external":
		if len(parts) != 3 {
			return AccountKey{}, fmt.Errorf("malformed external account path %q", path)
		}
		assetID, ok := GetAssetID(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown asset %q", path, parts[2])
		}
		switch parts[1] {
		case "deposits":
			return NewExternalAccountKey(SubTypeExternalDeposits, assetID), nil
		case "withdrawals":
			return NewExternalAccountKey(SubTypeExternalWithdrawals, assetID), nil
		}
		return AccountKey{}, fmt.Errorf("account path %q: unknown external account", path)
	}

	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}

func userSubTypeByName(name string) (AccountSubType, bool) {
	switch name {
	case "available":
		return SubTypeAvailable, true
	case "margin":
		return SubTypeMargin, true
	case "pending_withdrawal":
		return SubTypePendingWithdrawal, true
	}
	return 0, false
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeAvailable:
		return "available"
	case SubTypeMargin:
		return "margin"
	case SubTypePendingWithdrawal:
		return "pending_withdrawal"
	case SubTypeSystemVault:
		return "vault"
	case SubTypeSystemFees:
		return "fees"
	case SubTypeSystemInsuranceFund:
		return "insurance_fund"
	case SubTypeSystemIssuance:
		return "issuance"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
