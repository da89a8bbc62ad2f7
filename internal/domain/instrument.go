package domain

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// PositionType is the second segment of an instrument key.
type PositionType string

const (
	PositionBaseToken PositionType = "BaseToken"
	PositionAToken    PositionType = "aToken"
	PositionDebtToken PositionType = "debtToken"
	PositionLST       PositionType = "LST"
	PositionPerp      PositionType = "Perp"
)

// InstrumentType classifies a position for equity accounting.
type InstrumentType string

const (
	InstrumentAsset      InstrumentType = "asset"
	InstrumentDebt       InstrumentType = "debt"
	InstrumentDerivative InstrumentType = "derivative"
)

// Class returns the equity-accounting class of the position type.
func (p PositionType) Class() InstrumentType {
	switch p {
	case PositionDebtToken:
		return InstrumentDebt
	case PositionPerp:
		return InstrumentDerivative
	default:
		return InstrumentAsset
	}
}

func (p PositionType) valid() bool {
	switch p {
	case PositionBaseToken, PositionAToken, PositionDebtToken, PositionLST, PositionPerp:
		return true
	}
	return false
}

// InstrumentKey addresses a position or balance as venue:position_type:symbol.
type InstrumentKey struct {
	Venue        string
	PositionType PositionType
	Symbol       string
}

// NewKey builds an InstrumentKey without consulting the registry.
func NewKey(venue string, pt PositionType, symbol string) InstrumentKey {
	return InstrumentKey{Venue: venue, PositionType: pt, Symbol: symbol}
}

// String serializes the key in its canonical colon-separated form.
func (k InstrumentKey) String() string {
	return k.Venue + ":" + string(k.PositionType) + ":" + k.Symbol
}

// Type returns the instrument class of the key.
func (k InstrumentKey) Type() InstrumentType {
	return k.PositionType.Class()
}

// ParseKey splits a canonical key string. It checks shape only; use
// Registry.Resolve to check that the key is known.
func ParseKey(s string) (InstrumentKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return InstrumentKey{}, fmt.Errorf("%w: malformed key %q", ErrUnknownInstrument, s)
	}
	pt := PositionType(parts[1])
	if !pt.valid() {
		return InstrumentKey{}, fmt.Errorf("%w: unknown position type %q in %q", ErrUnknownInstrument, parts[1], s)
	}
	return InstrumentKey{Venue: parts[0], PositionType: pt, Symbol: parts[2]}, nil
}

//go:embed instruments.yaml
var instrumentsYAML []byte

// registryFile mirrors the layout of instruments.yaml.
type registryFile struct {
	Venues map[string]struct {
		Kind        VenueKind           `yaml:"kind"`
		Settlement  string              `yaml:"settlement"`
		Instruments map[string][]string `yaml:"instruments"`
	} `yaml:"venues"`
}

// VenueKind groups venues by what they do with capital.
type VenueKind string

const (
	VenueKindCEX     VenueKind = "cex"
	VenueKindLending VenueKind = "lending"
	VenueKindStaking VenueKind = "staking"
	VenueKindDEX     VenueKind = "dex"
	VenueKindWallet  VenueKind = "wallet"
)

// VenueInfo is the static description of a venue.
type VenueInfo struct {
	Name       string
	Kind       VenueKind
	Settlement string // native settlement asset
}

// Registry is the static set of instrument keys the system may address.
// It is immutable after construction and safe for concurrent reads.
type Registry struct {
	keys   map[string]InstrumentKey
	venues map[string]VenueInfo
}

// NewRegistry parses a registry document in the instruments.yaml layout.
func NewRegistry(doc []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("domain: parse instrument registry: %w", err)
	}
	r := &Registry{
		keys:   make(map[string]InstrumentKey),
		venues: make(map[string]VenueInfo, len(f.Venues)),
	}
	for venue, v := range f.Venues {
		r.venues[venue] = VenueInfo{Name: venue, Kind: v.Kind, Settlement: v.Settlement}
		for ptName, symbols := range v.Instruments {
			pt := PositionType(ptName)
			if !pt.valid() {
				return nil, fmt.Errorf("domain: registry venue %s: unknown position type %q", venue, ptName)
			}
			for _, sym := range symbols {
				k := NewKey(venue, pt, sym)
				r.keys[k.String()] = k
			}
		}
	}
	return r, nil
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the registry compiled into the binary.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		r, err := NewRegistry(instrumentsYAML)
		if err != nil {
			panic(err)
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// Resolve parses s and checks it against the registry.
func (r *Registry) Resolve(s string) (InstrumentKey, error) {
	k, ok := r.keys[s]
	if !ok {
		return InstrumentKey{}, fmt.Errorf("%w: %q", ErrUnknownInstrument, s)
	}
	return k, nil
}

// Has reports whether the key is registered.
func (r *Registry) Has(k InstrumentKey) bool {
	_, ok := r.keys[k.String()]
	return ok
}

// ValidateDeltas returns an error naming every delta key that is not
// registered. Unknown keys are a hard error.
func (r *Registry) ValidateDeltas(deltas map[string]float64) error {
	var bad []string
	for k := range deltas {
		if _, ok := r.keys[k]; !ok {
			bad = append(bad, k)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return fmt.Errorf("%w: %s", ErrUnknownInstrument, strings.Join(bad, ", "))
}

// Venue returns static information about a venue.
func (r *Registry) Venue(name string) (VenueInfo, bool) {
	v, ok := r.venues[name]
	return v, ok
}

// VenuesOfKind lists the registered venues of one kind, sorted by name.
func (r *Registry) VenuesOfKind(kind VenueKind) []string {
	var out []string
	for name, v := range r.venues {
		if v.Kind == kind {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Symbols lists the registered symbols for one venue and position type.
func (r *Registry) Symbols(venue string, pt PositionType) []string {
	var out []string
	for _, k := range r.keys {
		if k.Venue == venue && k.PositionType == pt {
			out = append(out, k.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// ATokenSymbol is the receipt-token symbol a lending venue mints for token.
func ATokenSymbol(token string) string { return "a" + token }

// DebtTokenSymbol is the debt-token symbol a lending venue mints for token.
func DebtTokenSymbol(token string) string { return "debt" + token }
