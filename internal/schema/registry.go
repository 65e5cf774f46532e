package schema

import (
	"fmt"

	"github.com/yanun0323/errors"

	"tradecore/pkg/exception"
)

// Scale is the number of decimal places of a scaled integer: with Scale 2 the
// integer 10013 is 100.13.
type Scale int32

// ScaleSpec holds the scales of the price and quantity of an instrument.
type ScaleSpec struct {
	PriceScale    Scale `json:"priceScale" yaml:"priceScale"`
	QuantityScale Scale `json:"quantityScale" yaml:"quantityScale"`
}

type VenueID uint16

type SymbolID uint32

// Venue is an exchange or broker instruments trade on.
type Venue struct {
	ID   VenueID
	Name string
}

// Symbol is a tradable instrument.
type Symbol struct {
	ID      SymbolID
	VenueID VenueID
	Name    string
	Scale   ScaleSpec
}

// Registry assigns dense ids to venues and instruments, starting at 1.
// It is filled while loading the config and only read afterwards.
type Registry struct {
	venues  catalog[VenueID, Venue]
	symbols catalog[SymbolID, Symbol]
}

func NewRegistry() *Registry {
	return &Registry{
		venues:  newCatalog[VenueID, Venue](),
		symbols: newCatalog[SymbolID, Symbol](),
	}
}

// AddVenue registers a venue. Names are unique.
func (r *Registry) AddVenue(name string) (VenueID, error) {
	return r.venues.add("venue", name, func(id VenueID) Venue {
		return Venue{ID: id, Name: name}
	})
}

// AddSymbol registers an instrument on a known venue. Names are unique across
// venues.
func (r *Registry) AddSymbol(name string, venue VenueID, scale ScaleSpec) (SymbolID, error) {
	if _, ok := r.venues.get(venue); !ok {
		return 0, errors.Wrap(exception.ErrInvalidArgument, "unknown venue").With("symbol", name).With("venue", venue)
	}
	if scale.PriceScale < 0 || scale.QuantityScale < 0 {
		return 0, errors.Wrap(exception.ErrInvalidArgument, "negative scale").With("symbol", name).With("scale", scale)
	}
	return r.symbols.add("symbol", name, func(id SymbolID) Symbol {
		return Symbol{ID: id, VenueID: venue, Name: name, Scale: scale}
	})
}

func (r *Registry) Venue(id VenueID) (Venue, bool) {
	return r.venues.get(id)
}

// Symbol is safe on a nil registry.
func (r *Registry) Symbol(id SymbolID) (Symbol, bool) {
	if r == nil {
		return Symbol{}, false
	}
	return r.symbols.get(id)
}

// ScaleOf returns the zero scale for unknown instruments.
func (r *Registry) ScaleOf(id SymbolID) ScaleSpec {
	sym, _ := r.Symbol(id)
	return sym.Scale
}

// NameOf falls back to "#<id>" for unknown instruments, for log lines.
func (r *Registry) NameOf(id SymbolID) string {
	if sym, ok := r.Symbol(id); ok {
		return sym.Name
	}
	return fmt.Sprintf("#%d", id)
}

// Symbols returns a copy, in id order.
func (r *Registry) Symbols() []Symbol {
	return append([]Symbol(nil), r.symbols.items...)
}

func (r *Registry) VenueIDByName(name string) (VenueID, bool) {
	return r.venues.lookup(name)
}

func (r *Registry) SymbolIDByName(name string) (SymbolID, bool) {
	return r.symbols.lookup(name)
}

// catalog stores items at index id-1 with a name index.
type catalog[ID ~uint16 | ~uint32, T any] struct {
	items  []T
	byName map[string]ID
}

func newCatalog[ID ~uint16 | ~uint32, T any]() catalog[ID, T] {
	return catalog[ID, T]{byName: make(map[string]ID)}
}

func (c *catalog[ID, T]) add(kind, name string, build func(ID) T) (ID, error) {
	if name == "" {
		return 0, errors.Wrap(exception.ErrInvalidArgument, kind+" name is empty")
	}
	if id, ok := c.byName[name]; ok {
		return id, errors.Wrap(exception.ErrInvalidArgument, kind+" already registered").With("name", name).With("id", id)
	}
	id := ID(len(c.items) + 1)
	c.items = append(c.items, build(id))
	c.byName[name] = id
	return id, nil
}

func (c *catalog[ID, T]) get(id ID) (T, bool) {
	if id == 0 || int(id) > len(c.items) {
		var zero T
		return zero, false
	}
	return c.items[id-1], true
}

func (c *catalog[ID, T]) lookup(name string) (ID, bool) {
	id, ok := c.byName[name]
	return id, ok
}
