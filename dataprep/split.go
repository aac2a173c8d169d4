package dataprep

import (
	"math"
	"math/rand"
)

// split shuffles rows with seed and holds out round(n*ratio) rows for test,
// clamped so both sides get at least one row. Requires len(rows) >= 2.
func split(rows [][]string, ratio float64, seed int64) (train, test [][]string) {
	n := len(rows)
	nTest := int(math.Round(float64(n) * ratio))
	if nTest < 1 {
		nTest = 1
	}
	if nTest > n-1 {
		nTest = n - 1
	}

	rng := rand.New(rand.NewSource(seed)) // #nosec G404 -- reproducible split, not security
	perm := rng.Perm(n)

	test = make([][]string, 0, nTest)
	train = make([][]string, 0, n-nTest)
	for i, idx := range perm {
		if i < nTest {
			test = append(test, rows[idx])
		} else {
			train = append(train, rows[idx])
		}
	}
	return train, test
}
