package sites

import "fmt"

// Defaults for site enumeration.
const (
	DefaultSurfacePercentile  = 70.0
	DefaultAdsorptionDistance = 1.8
	DefaultPairCutoff         = 3.0
	DefaultMargin             = 0.2
	DefaultSiteRadius         = 3.0
	DefaultAdsorbate          = "H"
)

// Config configures site enumeration. Zero values take the defaults.
type Config struct {
	// SurfacePercentile selects candidate surface atoms by height (0-100).
	SurfacePercentile float64 `json:"surface_percentile"`

	// AdsorptionDistance is the adsorbate height above the site, in Angstrom.
	AdsorptionDistance float64 `json:"adsorption_distance"`

	// PairCutoff bounds member distances for bridge and hollow sites.
	PairCutoff float64 `json:"pair_cutoff"`

	// Margin is the minimum clearance above the highest member atom.
	Margin float64 `json:"margin"`

	// SiteRadius bounds the local environment used for equivalence.
	SiteRadius float64 `json:"site_radius"`

	// Adsorbate is the adsorbate element symbol.
	Adsorbate string `json:"adsorbate"`

	// KeepEquivalent disables merging of sites with identical environments.
	KeepEquivalent bool `json:"keep_equivalent"`
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.SurfacePercentile == 0 {
		c.SurfacePercentile = DefaultSurfacePercentile
	}
	if c.AdsorptionDistance == 0 {
		c.AdsorptionDistance = DefaultAdsorptionDistance
	}
	if c.PairCutoff == 0 {
		c.PairCutoff = DefaultPairCutoff
	}
	if c.Margin == 0 {
		c.Margin = DefaultMargin
	}
	if c.SiteRadius == 0 {
		c.SiteRadius = DefaultSiteRadius
	}
	if c.Adsorbate == "" {
		c.Adsorbate = DefaultAdsorbate
	}
	return c
}

// Validate checks ranges after defaults are applied.
func (c Config) Validate() error {
	if c.SurfacePercentile < 0 || c.SurfacePercentile > 100 {
		return fmt.Errorf("sites: surface_percentile %v outside [0, 100]", c.SurfacePercentile)
	}
	if c.AdsorptionDistance <= 0 {
		return fmt.Errorf("sites: adsorption_distance must be > 0")
	}
	if c.PairCutoff <= 0 {
		return fmt.Errorf("sites: pair_cutoff must be > 0")
	}
	if c.Margin < 0 {
		return fmt.Errorf("sites: margin must be >= 0")
	}
	if c.SiteRadius <= 0 {
		return fmt.Errorf("sites: site_radius must be > 0")
	}
	return nil
}
