package challenges

import (
	"fmt"
	"math/big"
)

// FullShareBPS is 100% expressed in basis points.
const FullShareBPS = 10000

// splitPool divides pool across winners in the order supplied.
// With no shares set the split is even; otherwise every share must lie in
// (0, FullShareBPS] and the shares must total FullShareBPS. Integer remainder goes
// to the first winner so the earmarks always sum to pool.
func splitPool(pool int64, winners []Winner) ([]int64, error) {
	if len(winners) == 0 {
		return nil, fmt.Errorf("%w: at least one winner is required", ErrInvalidParameters)
	}

	weighted := false
	total := 0
	for _, w := range winners {
		if w.ShareBPS < 0 {
			return nil, fmt.Errorf("%w: shareBps must not be negative", ErrInvalidParameters)
		}
		// Bounding each share keeps total from wrapping.
		if w.ShareBPS > FullShareBPS {
			return nil, fmt.Errorf("%w: shareBps %d exceeds %d", ErrInvalidParameters, w.ShareBPS, FullShareBPS)
		}
		if w.ShareBPS > 0 {
			weighted = true
		}
		total += w.ShareBPS
	}

	amounts := make([]int64, len(winners))
	if !weighted {
		each := pool / int64(len(winners))
		for i := range amounts {
			amounts[i] = each
		}
		amounts[0] += pool - each*int64(len(winners))
		return amounts, nil
	}

	if total != FullShareBPS {
		return nil, fmt.Errorf("%w: winner shares total %d bps, want %d", ErrInvalidParameters, total, FullShareBPS)
	}

	var assigned int64
	for i, w := range winners {
		if w.ShareBPS == 0 {
			return nil, fmt.Errorf("%w: every winner needs a share when shares are given", ErrInvalidParameters)
		}
		share := new(big.Int).Mul(big.NewInt(pool), big.NewInt(int64(w.ShareBPS)))
		amounts[i] = share.Quo(share, big.NewInt(FullShareBPS)).Int64()
		assigned += amounts[i]
	}
	amounts[0] += pool - assigned
	return amounts, nil
}
