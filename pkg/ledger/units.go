package ledger

import "strconv"

// Unit id constructors. The prefix names the stage; the rest is the
// deterministic identity of the work.

func StabilityUnitID(compositionKey string) string { return "comp:" + compositionKey }

func GenerationUnitID(compositionKey string, attempt int) string {
	return "gen:" + compositionKey + "#" + strconv.Itoa(attempt)
}

func EnumerationUnitID(structureID string) string { return "enum:" + structureID }

func PredictionUnitID(modelID string) string { return "ads:" + modelID }
