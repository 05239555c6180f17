package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/heascreen/internal/observability"
	"github.com/3leaps/heascreen/pkg/sites"
	"github.com/3leaps/heascreen/pkg/structure"
)

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "Enumerate adsorption sites on one structure",
	Long: `Enumerate the top, bridge and hollow adsorption sites of a slab and
write one structure file per site with the adsorbate placed.

The input may be extended XYZ or VASP POSCAR. Output files are named
<input stem>_<site label>.xyz (or .vasp with --format vasp) and use the
aligned frame, with the surface normal along +z.

Example:
  heascreen sites --in slab.xyz
  heascreen sites --in POSCAR --out sites/ --format vasp
  heascreen sites --in slab.xyz --adsorbate O --keep-equivalent --json`,
	RunE: runSites,
}

var (
	sitesIn             string
	sitesOut            string
	sitesFormat         string
	sitesAdsorbate      string
	sitesPercentile     float64
	sitesDistance       float64
	sitesKeepEquivalent bool
)

func init() {
	rootCmd.AddCommand(sitesCmd)

	sitesCmd.Flags().StringVar(&sitesIn, "in", "", "Input structure file (required)")
	sitesCmd.Flags().StringVarP(&sitesOut, "out", "o", "", "Output directory (default next to the input)")
	sitesCmd.Flags().StringVar(&sitesFormat, "format", "xyz", "Output format: xyz or vasp")
	sitesCmd.Flags().StringVar(&sitesAdsorbate, "adsorbate", sites.DefaultAdsorbate, "Adsorbate element")
	sitesCmd.Flags().Float64Var(&sitesPercentile, "surface-percentile", sites.DefaultSurfacePercentile, "Height percentile of candidate surface atoms")
	sitesCmd.Flags().Float64Var(&sitesDistance, "distance", sites.DefaultAdsorptionDistance, "Adsorbate height above the site (Angstrom)")
	sitesCmd.Flags().BoolVar(&sitesKeepEquivalent, "keep-equivalent", false, "Keep sites with identical local environments")
	sitesCmd.Flags().Bool("json", false, "Print sites as JSON")
	_ = sitesCmd.MarkFlagRequired("in")
}

func runSites(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	format := strings.ToLower(strings.TrimSpace(sitesFormat))
	if format != "xyz" && format != "vasp" {
		return exitError(foundry.ExitInvalidArgument, "Invalid --format", fmt.Errorf("must be xyz or vasp, got %q", sitesFormat))
	}

	s, err := readStructureFile(sitesIn)
	if err != nil {
		if os.IsNotExist(err) {
			return exitError(foundry.ExitFileNotFound, "Input structure not found", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to read structure", err)
	}

	enum, err := sites.New(sites.Config{
		SurfacePercentile:  sitesPercentile,
		AdsorptionDistance: sitesDistance,
		Adsorbate:          sitesAdsorbate,
		KeepEquivalent:     sitesKeepEquivalent,
	}.WithDefaults())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid site settings", err)
	}
	res, err := enum.Enumerate(s)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Site enumeration failed", err)
	}
	observability.CLILogger.Debug("Enumerated sites",
		zap.String("input", sitesIn),
		zap.Int("atoms", s.Len()),
		zap.Int("surface_atoms", len(res.SurfaceAtoms)),
		zap.Int("sites", len(res.Sites)),
		zap.Int("merged", res.Merged))

	outDir := sitesOut
	if outDir == "" {
		outDir = filepath.Dir(sitesIn)
	}
	written, err := writeSiteStructures(res, enum.Config().Adsorbate, outDir, fileStem(sitesIn), format)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write site structures", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"surface_atoms": res.SurfaceAtoms,
			"sites":         res.Sites,
			"merged":        res.Merged,
			"files":         written,
		})
	}

	if len(res.Sites) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No adsorption sites found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "LABEL\tKIND\tATOMS\tX\tY\tZ\tFILE")
	for i, site := range res.Sites {
		p := site.Position
		_, _ = fmt.Fprintf(w, "%s\t%s\t%v\t%.3f\t%.3f\t%.3f\t%s\n",
			site.Label, site.Kind, site.AtomIndices, p[0], p[1], p[2], written[i])
	}
	return nil
}

func readStructureFile(path string) (*structure.Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return structure.Read(path, f)
}

// writeSiteStructures writes one file per site and returns the paths in
// site order.
func writeSiteStructures(res *sites.Result, adsorbate, dir, stem, format string) ([]string, error) {
	if len(res.Sites) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(res.Sites))
	for _, site := range res.Sites {
		placed := sites.PlaceAdsorbate(res.Aligned, site, adsorbate)
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.%s", stem, site.Label, format))
		if err := writeStructureFile(path, placed, format, site.Label); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeStructureFile(path string, s *structure.Structure, format, comment string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if format == "vasp" {
		return structure.WritePOSCAR(f, s, comment)
	}
	return structure.WriteXYZ(f, s)
}

func fileStem(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" && ext != base {
		return strings.TrimSuffix(base, ext)
	}
	return base
}
