package pricing

import (
	"errors"
	"fmt"
	"sort"

	"BananaPay/internal/config"

	"github.com/shopspring/decimal"
)

var ErrUnknownPlan = errors.New("unknown plan")

type Plan struct {
	Name   string          `json:"name"`
	Title  string          `json:"title"`
	Amount decimal.Decimal `json:"-"`
	Level  string          `json:"level"`
}

// Offer is the public view of a plan.
type Offer struct {
	Name   string `json:"name"`
	Title  string `json:"title"`
	Amount string `json:"amount"`
	Level  string `json:"level"`
}

// Catalog is the server-side price list. Client-supplied amounts are only
// ever compared against it.
type Catalog struct {
	plans map[string]Plan
	order []string
}

var defaultPlans = []config.Plan{
	{Name: "basic", Title: "基础版", Amount: "9.90", Level: "basic"},
	{Name: "professional", Title: "专业版", Amount: "29.00", Level: "professional"},
	{Name: "enterprise", Title: "企业版", Amount: "99.00", Level: "enterprise"},
}

// NewCatalog builds a catalog from configured plans, or the default three
// tiers when none are configured.
func NewCatalog(plans []config.Plan) (*Catalog, error) {
	if len(plans) == 0 {
		plans = defaultPlans
	}
	c := &Catalog{plans: map[string]Plan{}}
	for _, p := range plans {
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return nil, fmt.Errorf("plan %s: invalid amount %q: %w", p.Name, p.Amount, err)
		}
		if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
			return nil, fmt.Errorf("plan %s: amount %s must be positive with at most two decimals", p.Name, p.Amount)
		}
		level := p.Level
		if level == "" {
			level = p.Name
		}
		title := p.Title
		if title == "" {
			title = p.Name
		}
		c.plans[p.Name] = Plan{Name: p.Name, Title: title, Amount: amount, Level: level}
		c.order = append(c.order, p.Name)
	}
	return c, nil
}

// Lookup accepts the plan key or its display title, since the UI historically
// sent titles.
func (c *Catalog) Lookup(name string) (Plan, error) {
	if p, ok := c.plans[name]; ok {
		return p, nil
	}
	for _, p := range c.plans {
		if p.Title == name {
			return p, nil
		}
	}
	return Plan{}, ErrUnknownPlan
}

func (c *Catalog) Offers() []Offer {
	out := make([]Offer, 0, len(c.order))
	for _, name := range c.order {
		p := c.plans[name]
		out = append(out, Offer{Name: p.Name, Title: p.Title, Amount: p.Amount.StringFixed(2), Level: p.Level})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return c.plans[out[i].Name].Amount.LessThan(c.plans[out[j].Name].Amount)
	})
	return out
}
