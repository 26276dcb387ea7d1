package nutrition

import (
	"fmt"
	"math"
)

// Nutrient map keys follow the canonical dataset column names, e.g.
// "kcal", "protein_g", "carbs_g", "fat_g". Values are per 100g unless
// produced by Scale.
type Nutrients map[string]float64

var canonicalKeys = map[string]struct{}{
	"kcal":      {},
	"protein_g": {},
	"carbs_g":   {},
	"fat_g":     {},
	"fiber_g":   {},
	"sodium_mg": {},
}

// Validate rejects nutrient maps with keys outside the canonical column set or
// with negative or non finite values.
func Validate(values Nutrients) error {
	for key, value := range values {
		if _, ok := canonicalKeys[key]; !ok {
			return fmt.Errorf("unknown nutrient key '%v'", key)
		}
		if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("nutrient '%v' has invalid value %v", key, value)
		}
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Scale converts per-100g nutrient values to the given gram quantity. Keys
// absent from the input stay absent, they are not zero filled.
func Scale(per100g Nutrients, grams float64) Nutrients {
	scaled := make(Nutrients, len(per100g))
	for key, value := range per100g {
		scaled[key] = round2(value * grams / 100)
	}
	return scaled
}

// Sum adds nutrient maps elementwise, treating absent keys as zero. Rounding
// happens once on the final totals.
func Sum(maps ...Nutrients) Nutrients {
	total := Nutrients{}
	for _, m := range maps {
		for key, value := range m {
			total[key] += value
		}
	}
	for key, value := range total {
		total[key] = round2(value)
	}
	return total
}

// Energy returns the kcal value implied by the macro quantities using the
// standard Atwater factors (4 kcal/g protein, 4 kcal/g carbohydrate,
// 9 kcal/g fat).
func Energy(proteinG, carbsG, fatG float64) float64 {
	return round2(proteinG*4 + carbsG*4 + fatG*9)
}
