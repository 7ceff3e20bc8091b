package generator

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/fraudwatch/internal/transactions"
)

// Catalog holds the value pools transactions are drawn from.
type Catalog struct {
	Merchants        []string                     `yaml:"merchants"`
	Locations        []string                     `yaml:"locations"`
	HighRiskLocation string                       `yaml:"highRiskLocation"`
	PaymentMethods   []transactions.PaymentMethod `yaml:"paymentMethods"`
	Devices          []string                     `yaml:"devices"`
	Browsers         []string                     `yaml:"browsers"`
	FirstNames       []string                     `yaml:"firstNames"`
	LastNames        []string                     `yaml:"lastNames"`
	EmailDomains     []string                     `yaml:"emailDomains"`
}

// DefaultCatalog returns the built-in pools.
func DefaultCatalog() Catalog {
	return Catalog{
		Merchants: []string{
			"Amazon", "eBay", "Walmart", "Target", "Best Buy",
			"Apple Store", "Microsoft", "Netflix", "Spotify", "Uber",
			"Airbnb", "Starbucks", "McDonald's", "Home Depot", "Costco",
		},
		Locations: []string{
			"New York, USA", "London, UK", "Tokyo, Japan", "Sydney, Australia",
			"Berlin, Germany", "Paris, France", "Toronto, Canada", "Singapore",
			"Mumbai, India", "São Paulo, Brazil",
		},
		HighRiskLocation: "Lagos, Nigeria",
		PaymentMethods:   append([]transactions.PaymentMethod(nil), transactions.PaymentMethods...),
		Devices:          []string{"mobile", "desktop", "tablet"},
		Browsers:         []string{"Chrome", "Firefox", "Safari", "Edge"},
		FirstNames: []string{
			"James", "Mary", "Wei", "Aisha", "Carlos", "Yuki", "Olivia", "Noah",
			"Priya", "Lucas", "Fatima", "Hans", "Chloe", "Mateo", "Amara", "Liam",
		},
		LastNames: []string{
			"Smith", "Johnson", "Chen", "Khan", "Garcia", "Tanaka", "Brown", "Müller",
			"Patel", "Silva", "Okafor", "Dubois", "Kim", "Rossi", "Nguyen", "Taylor",
		},
		EmailDomains: []string{"gmail.com", "yahoo.com", "outlook.com", "proton.me", "icloud.com"},
	}
}

// LoadCatalog reads a YAML catalog. Pools left empty in the file keep their
// defaults.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}

	var fromFile Catalog
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}

	c := DefaultCatalog().merge(fromFile)
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

func (c Catalog) merge(o Catalog) Catalog {
	pick := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = src
		}
	}
	pick(&c.Merchants, o.Merchants)
	pick(&c.Locations, o.Locations)
	pick(&c.Devices, o.Devices)
	pick(&c.Browsers, o.Browsers)
	pick(&c.FirstNames, o.FirstNames)
	pick(&c.LastNames, o.LastNames)
	pick(&c.EmailDomains, o.EmailDomains)
	if len(o.PaymentMethods) > 0 {
		c.PaymentMethods = o.PaymentMethods
	}
	if o.HighRiskLocation != "" {
		c.HighRiskLocation = o.HighRiskLocation
	}
	return c
}

// Validate checks that every pool is drawable.
func (c Catalog) Validate() error {
	var errs []error
	for name, pool := range map[string][]string{
		"merchants":    c.Merchants,
		"locations":    c.Locations,
		"devices":      c.Devices,
		"browsers":     c.Browsers,
		"firstNames":   c.FirstNames,
		"lastNames":    c.LastNames,
		"emailDomains": c.EmailDomains,
	} {
		if len(pool) == 0 {
			errs = append(errs, fmt.Errorf("catalog: %s must not be empty", name))
		}
	}
	if len(c.PaymentMethods) == 0 {
		errs = append(errs, errors.New("catalog: paymentMethods must not be empty"))
	}
	for _, m := range c.PaymentMethods {
		if !m.Valid() {
			errs = append(errs, fmt.Errorf("catalog: unknown payment method %q", m))
		}
	}
	if c.HighRiskLocation == "" {
		errs = append(errs, errors.New("catalog: highRiskLocation is required"))
	}
	return errors.Join(errs...)
}
