package program

import opensimplex "github.com/ojrac/opensimplex-go"

// Deterministic across runs so scripts render the same patterns after a
// restart.
const noiseSeed = 0

var noise = opensimplex.NewNormalized(noiseSeed)

func noise2d(x, y float64) float64       { return noise.Eval2(x, y) }
func noise3d(x, y, z float64) float64    { return noise.Eval3(x, y, z) }
func noise4d(x, y, z, t float64) float64 { return noise.Eval4(x, y, z, t) }
