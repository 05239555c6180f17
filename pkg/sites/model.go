package sites

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"

	"github.com/3leaps/heascreen/pkg/structure"
)

// Model is one structure with one adsorbate placed at one site. It is the
// atomic unit of energy prediction.
type Model struct {
	ID             string         `json:"id"`
	StructureID    string         `json:"structure_id"`
	CompositionKey string         `json:"composition"`
	Site           Site           `json:"site"`
	Adsorbate      string         `json:"adsorbate"`
	Position       structure.Vec3 `json:"position"`

	// Content identifies the geometry being predicted: the aligned slab,
	// the site position and the adsorbate. Unlike ID it does not depend on
	// how the slab was generated.
	Content string `json:"content,omitempty"`
}

// ModelID derives the deterministic adsorption model identity.
func ModelID(structureID, siteLabel string) string {
	sum := sha256.Sum256([]byte(structureID + "/" + siteLabel))
	return "ads-" + hex.EncodeToString(sum[:])[:24]
}

// ContentKey derives the geometry identity of an adsorption model.
func ContentKey(aligned *structure.Structure, position structure.Vec3, adsorbate string) string {
	pos := make([]byte, 0, 48)
	for _, x := range position {
		r := math.Round(x*1e6) / 1e6
		if r == 0 {
			r = 0
		}
		pos = strconv.AppendFloat(pos, r, 'f', 6, 64)
		pos = append(pos, ' ')
	}
	sum := sha256.Sum256([]byte(structure.ContentHash(aligned) + "/" + string(pos) + "/" + adsorbate))
	return "geo-" + hex.EncodeToString(sum[:])[:32]
}

// Models builds one adsorption model per site of r.
func Models(r *Result, adsorbate string) []Model {
	if r == nil || r.Aligned == nil {
		return nil
	}
	out := make([]Model, 0, len(r.Sites))
	for _, site := range r.Sites {
		out = append(out, Model{
			ID:             ModelID(r.Aligned.ID, site.Label),
			StructureID:    r.Aligned.ID,
			CompositionKey: r.Aligned.CompositionKey,
			Site:           site,
			Adsorbate:      adsorbate,
			Position:       site.Position,
			Content:        ContentKey(r.Aligned, site.Position, adsorbate),
		})
	}
	return out
}

// PlaceAdsorbate returns a copy of the aligned structure with the adsorbate
// atom appended at the site position.
func PlaceAdsorbate(aligned *structure.Structure, site Site, adsorbate string) *structure.Structure {
	out := aligned.Clone()
	out.Species = append(out.Species, adsorbate)
	out.Positions = append(out.Positions, site.Position)
	return out
}
