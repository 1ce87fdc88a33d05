package parity

import "github.com/cockroachdb/errors"

// dualXORCoder implements Coder for spec.md §4.3's Dual-XOR variant (m=2):
// lane 0 is the plain XOR sum; lane 1 is a Vandermonde-weighted sum over
// GF(2^8), coefficients coeffs[i] = alpha^(i+1). Reconstructs any two
// missing lanes (data or parity, in any combination).
type dualXORCoder struct {
	k      int
	coeffs []byte // coeffs[i] is lane-1's weight for data lane i
}

func newDualXORCoder(k int) *dualXORCoder {
	c := &dualXORCoder{k: k, coeffs: make([]byte, k)}
	for i := 0; i < k; i++ {
		c.coeffs[i] = gfPow(i + 1)
	}
	return c
}

func (c *dualXORCoder) Kind() Kind { return DualXOR }
func (c *dualXORCoder) K() int     { return c.k }
func (c *dualXORCoder) M() int     { return 2 }

func (c *dualXORCoder) encodeP0(data [][]byte, size int) []byte {
	p0 := make([]byte, size)
	for _, d := range data {
		xorBlockInto(p0, d)
	}
	return p0
}

func (c *dualXORCoder) encodeP1(data [][]byte, size int) []byte {
	p1 := make([]byte, size)
	for i, d := range data {
		mulBlockXorInto(p1, d, c.coeffs[i])
	}
	return p1
}

func (c *dualXORCoder) Encode(data [][]byte) ([][]byte, error) {
	if err := checkFull(data, c.k); err != nil {
		return nil, err
	}
	size := len(data[0])
	return [][]byte{c.encodeP0(data, size), c.encodeP1(data, size)}, nil
}

func (c *dualXORCoder) Verify(data, parity [][]byte) (bool, error) {
	if len(parity) != 2 {
		return false, errors.Newf("parity: DUAL_XOR coder expects 2 parity lanes, got %d", errors.Safe(len(parity)))
	}
	got, err := c.Encode(data)
	if err != nil {
		return false, err
	}
	return blocksEqual(got[0], parity[0]) && blocksEqual(got[1], parity[1]), nil
}

func (c *dualXORCoder) Reconstruct(lanes Lanes) error {
	missD := lanes.MissingData()
	missP := lanes.MissingParity()
	total := len(missD) + len(missP)
	if total == 0 {
		return nil
	}
	if total > 2 {
		return ErrUnrecoverable
	}

	size := blockLen(lanes.Data)
	if size == 0 {
		size = blockLen(lanes.Parity)
	}

	switch {
	case len(missD) == 0:
		// Only parity lanes missing: recompute directly from full data.
		if contains(missP, 0) {
			lanes.Parity[0] = c.encodeP0(lanes.Data, size)
		}
		if contains(missP, 1) {
			lanes.Parity[1] = c.encodeP1(lanes.Data, size)
		}
		return nil

	case len(missD) == 1 && len(missP) == 1:
		// One data, one parity: recover the data lane using whichever
		// parity lane survived, then recompute the missing parity lane.
		idx := missD[0]
		recovered := make([]byte, size)
		if contains(missP, 0) {
			// P0 is missing; recover data via P1.
			recovered = c.solveSingleViaP1(lanes, idx, size)
		} else {
			recovered = c.solveSingleViaP0(lanes, idx, size)
		}
		lanes.Data[idx] = recovered
		if contains(missP, 0) {
			lanes.Parity[0] = c.encodeP0(lanes.Data, size)
		} else {
			lanes.Parity[1] = c.encodeP1(lanes.Data, size)
		}
		return nil

	case len(missD) == 2:
		return c.solvePair(lanes, missD[0], missD[1], size)

	default: // two parity lanes missing
		lanes.Parity[0] = c.encodeP0(lanes.Data, size)
		lanes.Parity[1] = c.encodeP1(lanes.Data, size)
		return nil
	}
}

// solveSingleViaP0 recovers data lane idx from the XOR-sum parity lane and
// every surviving data lane.
func (c *dualXORCoder) solveSingleViaP0(lanes Lanes, idx, size int) []byte {
	sum := make([]byte, size)
	xorBlockInto(sum, lanes.Parity[0])
	for i, d := range lanes.Data {
		if i == idx || d == nil {
			continue
		}
		xorBlockInto(sum, d)
	}
	return sum
}

// solveSingleViaP1 recovers data lane idx from the weighted parity lane:
// D_idx = (P1 ⊕ Σ_{i != idx} coeff_i*D_i) / coeff_idx.
func (c *dualXORCoder) solveSingleViaP1(lanes Lanes, idx, size int) []byte {
	sum := make([]byte, size)
	xorBlockInto(sum, lanes.Parity[1])
	for i, d := range lanes.Data {
		if i == idx || d == nil {
			continue
		}
		mulBlockXorInto(sum, d, c.coeffs[i])
	}
	invCoeff := gfInv(c.coeffs[idx])
	for j := range sum {
		sum[j] = gfMul(sum[j], invCoeff)
	}
	return sum
}

// solvePair recovers two missing data lanes i<j from both parity equations:
//
//	D_i ⊕ D_j                 = P0 ⊕ Σ_known D
//	coeff_i*D_i ⊕ coeff_j*D_j = P1 ⊕ Σ_known coeff*D
//
// Substituting D_j = S0 ⊕ D_i gives (coeff_i⊕coeff_j)*D_i = P1' ⊕ coeff_j*S0.
func (c *dualXORCoder) solvePair(lanes Lanes, i, j, size int) error {
	s0 := make([]byte, size)
	xorBlockInto(s0, lanes.Parity[0])
	s1 := make([]byte, size)
	xorBlockInto(s1, lanes.Parity[1])
	for idx, d := range lanes.Data {
		if d == nil {
			continue
		}
		xorBlockInto(s0, d)
		mulBlockXorInto(s1, d, c.coeffs[idx])
	}

	ci, cj := c.coeffs[i], c.coeffs[j]
	denom := ci ^ cj
	if denom == 0 {
		return errors.New("parity: DUAL_XOR coefficient collision, cannot solve pair")
	}
	invDenom := gfInv(denom)

	di := make([]byte, size)
	for b := 0; b < size; b++ {
		rhs := s1[b] ^ gfMul(cj, s0[b])
		di[b] = gfMul(rhs, invDenom)
	}
	dj := make([]byte, size)
	copy(dj, s0)
	xorBlockInto(dj, di)

	lanes.Data[i] = di
	lanes.Data[j] = dj
	return nil
}

func contains(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
