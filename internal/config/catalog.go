package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"regionvpn-bot/internal/models"
)

const (
	BackendRemnawave = "remnawave"
	BackendOutline   = "outline"
	BackendXray      = "xray"
)

// Catalog is the static reference data: what is sold and where it runs.
type Catalog struct {
	Plans    []PlanConfig    `yaml:"plans" validate:"required,min=1,dive"`
	Packages []PackageConfig `yaml:"packages" validate:"required,min=1,dive"`
	Regions  []RegionConfig  `yaml:"regions" validate:"required,min=1,dive"`
}

type PlanConfig struct {
	ID   string `yaml:"id" validate:"required,max=64"`
	Name string `yaml:"name" validate:"required"`
	// Duration takes precedence over Days when both are set.
	Duration time.Duration `yaml:"duration"`
	Days     float64       `yaml:"days" validate:"gte=0"`
	Crypto   PriceConfig   `yaml:"crypto"`
	Card     PriceConfig   `yaml:"card"`
}

type PriceConfig struct {
	Amount   float64 `yaml:"amount" validate:"gt=0"`
	Currency string  `yaml:"currency" validate:"required,max=16"`
}

type PackageConfig struct {
	ID      string   `yaml:"id" validate:"required,max=64"`
	Name    string   `yaml:"name" validate:"required"`
	Regions []string `yaml:"regions" validate:"required,min=1,unique,dive,required"`
}

type RegionConfig struct {
	Code      string           `yaml:"code" validate:"required,max=32"`
	Name      string           `yaml:"name" validate:"required"`
	Flag      string           `yaml:"flag"`
	Kind      string           `yaml:"kind" validate:"required,oneof=remnawave outline xray"`
	Remnawave *RemnawaveConfig `yaml:"remnawave" validate:"required_if=Kind remnawave"`
	Outline   *OutlineConfig   `yaml:"outline" validate:"required_if=Kind outline"`
	Xray      *XrayConfig      `yaml:"xray" validate:"required_if=Kind xray"`
}

type RemnawaveConfig struct {
	URL     string `yaml:"url" validate:"required,url"`
	APIKey  string `yaml:"api_key" validate:"required"`
	SquadID string `yaml:"squad_id"`
}

type OutlineConfig struct {
	APIURL     string `yaml:"api_url" validate:"required,url"`
	CertSHA256 string `yaml:"cert_sha256" validate:"omitempty,len=64,hexadecimal"`
}

type XrayConfig struct {
	APIAddr    string `yaml:"api_addr" validate:"required,hostname_port"`
	InboundTag string `yaml:"inbound_tag" validate:"required"`
	PublicHost string `yaml:"public_host" validate:"required"`
	Port       int    `yaml:"port" validate:"required,gt=0,lte=65535"`
	SNI        string `yaml:"sni" validate:"required"`
	PublicKey  string `yaml:"public_key" validate:"required"`
	ShortID    string `yaml:"short_id"`
	Flow       string `yaml:"flow"`
}

var validate = validator.New()

// LoadCatalog reads path, expands ${ENV} references and validates the result.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewBufferString(expanded))
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate runs the tag rules and the cross-reference checks between plans,
// packages and regions.
func (c *Catalog) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}

	var errs []error
	plans := make(map[string]bool, len(c.Plans))
	for _, p := range c.Plans {
		if plans[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate plan %q", p.ID))
		}
		plans[p.ID] = true
		if p.Length() <= 0 {
			errs = append(errs, fmt.Errorf("plan %q has no duration", p.ID))
		}
	}

	regions := make(map[string]bool, len(c.Regions))
	for _, r := range c.Regions {
		if regions[r.Code] {
			errs = append(errs, fmt.Errorf("region %q configured more than once", r.Code))
		}
		regions[r.Code] = true
	}

	packages := make(map[string]bool, len(c.Packages))
	for _, p := range c.Packages {
		if packages[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate package %q", p.ID))
		}
		packages[p.ID] = true
		for _, code := range p.Regions {
			if !regions[code] {
				errs = append(errs, fmt.Errorf("package %q references unconfigured region %q", p.ID, code))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid catalog: %w", errors.Join(errs...))
	}
	return nil
}

func (p PlanConfig) Length() time.Duration {
	if p.Duration > 0 {
		return p.Duration
	}
	return time.Duration(p.Days * float64(24*time.Hour))
}

// Region returns the backend configuration for code.
func (c *Catalog) Region(code string) (RegionConfig, bool) {
	for _, r := range c.Regions {
		if r.Code == code {
			return r, true
		}
	}
	return RegionConfig{}, false
}

// Models converts the catalog to the rows persisted in duration_plans and
// region_packages. Slice order becomes SortOrder.
func (c *Catalog) Models() ([]models.DurationPlan, []models.RegionPackage) {
	plans := make([]models.DurationPlan, 0, len(c.Plans))
	for i, p := range c.Plans {
		plans = append(plans, models.DurationPlan{
			ID:           p.ID,
			Name:         p.Name,
			Length:       p.Length(),
			PriceCrypto:  p.Crypto.Amount,
			CryptoAsset:  p.Crypto.Currency,
			PriceCard:    p.Card.Amount,
			CardCurrency: p.Card.Currency,
			SortOrder:    i,
		})
	}

	packages := make([]models.RegionPackage, 0, len(c.Packages))
	for i, p := range c.Packages {
		packages = append(packages, models.RegionPackage{
			ID:        p.ID,
			Name:      p.Name,
			Regions:   append([]string(nil), p.Regions...),
			SortOrder: i,
		})
	}
	return plans, packages
}
