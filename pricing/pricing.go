// Package pricing resolves per-operation payment requirements from a
// static price table. Prices are declared as decimal strings and converted
// to atomic units of the asset before any comparison or signing; all
// arithmetic after conversion is integer.
package pricing

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vitwit/toolpay/types"
	"github.com/vitwit/toolpay/utils"
)

// DefaultTier is the tier consulted when no tier is requested and the
// fallback when a requested tier is not declared. Every non-free operation
// must declare it.
const DefaultTier = "default"

// AssetInfo describes a payment asset accepted by the registry.
type AssetInfo struct {
	// Address is the token contract address.
	Address string `json:"address" validate:"required"`

	Symbol string `json:"symbol" validate:"required"`

	// Decimals is the asset's fixed decimal count, used to convert decimal
	// prices into atomic units.
	Decimals int32 `json:"decimals" validate:"gte=0,lte=30"`
}

// PriceTier is a named pricing variant for an operation.
type PriceTier struct {
	// Amount is a decimal price string (e.g. "0.01"), denominated in the
	// asset's whole units.
	Amount string `json:"amount" validate:"required"`

	// Asset is the symbol of a registered AssetInfo.
	Asset string `json:"asset" validate:"required"`
}

// PricedOperation is a static registry entry for one priced operation.
type PricedOperation struct {
	Name string `json:"name" validate:"required"`

	// Recipient is the address payments for this operation go to.
	Recipient string `json:"recipient"`

	// PriceTiers maps tier name to price. An empty map means the operation
	// is free.
	PriceTiers map[string]PriceTier `json:"priceTiers"`

	Description string `json:"description,omitempty"`
}

// Config holds everything the registry needs to produce requirements.
type Config struct {
	// Network is the chain identifier stamped on every requirement.
	Network string `json:"network" validate:"required"`

	// Assets maps symbol to asset metadata.
	Assets map[string]AssetInfo `json:"assets" validate:"required,dive"`

	// Operations is the price table.
	Operations []PricedOperation `json:"operations" validate:"dive"`

	// TimeoutSeconds is the validity window for requirements. Defaults to
	// 300 when zero.
	TimeoutSeconds int `json:"timeoutSeconds"`
}

// Registry looks up payment requirements by operation name and tier.
type Registry struct {
	network        string
	assets         map[string]AssetInfo
	ops            map[string]PricedOperation
	timeoutSeconds int
}

// NewRegistry builds a Registry from a validated config. Operations whose
// tiers reference an unregistered asset are rejected up front so lookups
// never fail on asset resolution.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := utils.ValidateStruct(cfg); err != nil {
		return nil, err
	}

	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}

	ops := make(map[string]PricedOperation, len(cfg.Operations))
	for _, op := range cfg.Operations {
		for tier, price := range op.PriceTiers {
			if _, ok := cfg.Assets[price.Asset]; !ok {
				return nil, types.NewPaymentError(types.ErrConfigError,
					"operation %s tier %s references unknown asset %s", op.Name, tier, price.Asset)
			}
			if _, err := atomicAmount(price.Amount, cfg.Assets[price.Asset].Decimals); err != nil {
				return nil, err
			}
		}
		if len(op.PriceTiers) > 0 && op.Recipient == "" {
			return nil, types.NewPaymentError(types.ErrConfigError,
				"operation %s is priced but has no recipient", op.Name)
		}
		ops[op.Name] = op
	}

	return &Registry{
		network:        cfg.Network,
		assets:         cfg.Assets,
		ops:            ops,
		timeoutSeconds: timeout,
	}, nil
}

// NewRegistryFromJSON parses a Config from JSON and builds a Registry.
func NewRegistryFromJSON(data []byte) (*Registry, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, types.NewPaymentError(types.ErrConfigError,
			"failed to parse pricing config: %v", err)
	}
	return NewRegistry(cfg)
}

// RequirementFor resolves the payment requirement for an operation.
//
// Resolution order: requested tier, then "default", then the first declared
// tier (by name, for determinism), then free. A nil requirement with a nil
// error means the operation is free and payment must be skipped entirely;
// an unregistered name is an UNKNOWN_OPERATION error, which is a distinct
// condition from free.
func (r *Registry) RequirementFor(name, tier string) (*types.PaymentRequirement, error) {
	op, ok := r.ops[name]
	if !ok {
		return nil, types.NewPaymentError(types.ErrUnknownOperation,
			"operation %s is not registered", name)
	}

	price, ok := r.resolveTier(op, tier)
	if !ok {
		return nil, nil
	}

	asset := r.assets[price.Asset]
	amount, err := atomicAmount(price.Amount, asset.Decimals)
	if err != nil {
		return nil, err
	}

	if amount.IsZero() {
		return nil, nil
	}

	return &types.PaymentRequirement{
		Scheme:            types.SchemeExact,
		Network:           r.network,
		PayTo:             op.Recipient,
		Asset:             asset.Address,
		Amount:            amount.String(),
		Description:       op.Description,
		MaxTimeoutSeconds: r.timeoutSeconds,
	}, nil
}

func (r *Registry) resolveTier(op PricedOperation, tier string) (PriceTier, bool) {
	if len(op.PriceTiers) == 0 {
		return PriceTier{}, false
	}

	if tier != "" {
		if p, ok := op.PriceTiers[tier]; ok {
			return p, true
		}
	}

	if p, ok := op.PriceTiers[DefaultTier]; ok {
		return p, true
	}

	names := make([]string, 0, len(op.PriceTiers))
	for name := range op.PriceTiers {
		names = append(names, name)
	}
	sort.Strings(names)

	return op.PriceTiers[names[0]], true
}

// Operations returns the registered operation names, sorted.
func (r *Registry) Operations() []string {
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tiers returns the declared tier names for an operation, sorted.
func (r *Registry) Tiers(name string) []string {
	op, ok := r.ops[name]
	if !ok {
		return nil
	}
	tiers := make([]string, 0, len(op.PriceTiers))
	for tier := range op.PriceTiers {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)
	return tiers
}

// IsRegistered reports whether an operation name is in the price table.
func (r *Registry) IsRegistered(name string) bool {
	_, ok := r.ops[name]
	return ok
}

// atomicAmount converts a decimal price string into atomic units of an
// asset with the given decimal count. The result must be a whole number of
// atomic units and non-negative.
func atomicAmount(price string, decimals int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(price))
	if err != nil {
		return decimal.Zero, types.NewPaymentError(types.ErrConfigError,
			"invalid price %q: %v", price, err)
	}

	if d.IsNegative() {
		return decimal.Zero, types.NewPaymentError(types.ErrConfigError,
			"price %q must not be negative", price)
	}

	atomic := d.Shift(decimals)
	if !atomic.IsInteger() {
		return decimal.Zero, types.NewPaymentError(types.ErrConfigError,
			"price %q has more than %d decimal places", price, decimals)
	}

	return atomic, nil
}
