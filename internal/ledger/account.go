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
	AccountScopeEngine
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeHoldings AccountSubType = iota // token holdings (stable/buffer units)
	SubTypeWallet                         // native asset paid in (negative) or refunded out

	// Engine sub-types
	SubTypeEngineCollateral // native asset held as backing
	SubTypeEngineIssued     // issuance counter-account per token
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	AssetNative AssetID = 1
	AssetStable AssetID = 2
	AssetBuffer AssetID = 3
)

var (
	assetToID = map[string]AssetID{
		"NATIVE": AssetNative,
		"STABLE": AssetStable,
		"BUFFER": AssetBuffer,
	}
	idToAsset = map[AssetID]string{
		AssetNative: "NATIVE",
		AssetStable: "STABLE",
		AssetBuffer: "BUFFER",
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

// AccountKey is the in-memory key for balance tracking (20 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, zero for engine accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(accountID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: accountID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewEngineAccountKey creates a key for engine-owned accounts.
// There is a single engine entity, so EntityID stays zero.
func NewEngineAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeEngine,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeEngine:
		return fmt.Sprintf("engine:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

// ParseAccountPath reverses AccountPath. Used when restoring tracker
// balances from a snapshot, where keys are stored as path strings.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	switch {
	case len(parts) == 4 && parts[0] == "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("parse account path %q: %w", path, err)
		}
		subType, ok := subTypeFromName(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("parse account path %q: unknown sub-type %q", path, parts[2])
		}
		assetID, ok := GetAssetID(parts[3])
		if !ok {
			return AccountKey{}, fmt.Errorf("parse account path %q: unknown asset %q", path, parts[3])
		}
		return NewUserAccountKey(uid, subType, assetID), nil

	case len(parts) == 3 && parts[0] == "engine":
		subType, ok := subTypeFromName(parts[1])
		if !ok {
			return AccountKey{}, fmt.Errorf("parse account path %q: unknown sub-type %q", path, parts[1])
		}
		assetID, ok := GetAssetID(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("parse account path %q: unknown asset %q", path, parts[2])
		}
		return NewEngineAccountKey(subType, assetID), nil
	}

	return AccountKey{}, fmt.Errorf("parse account path %q: unrecognized shape", path)
}

func subTypeFromName(name string) (AccountSubType, bool) {
	switch name {
	case "holdings":
		return SubTypeHoldings, true
	case "wallet":
		return SubTypeWallet, true
	case "collateral":
		return SubTypeEngineCollateral, true
	case "issued":
		return SubTypeEngineIssued, true
	default:
		return 0, false
	}
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeHoldings:
		return "holdings"
	case SubTypeWallet:
		return "wallet"
	case SubTypeEngineCollateral:
		return "collateral"
	case SubTypeEngineIssued:
		return "issued"
	default:
		return "unknown"
	}
}
