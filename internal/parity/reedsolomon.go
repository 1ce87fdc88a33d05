package parity

import "github.com/cockroachdb/errors"

// rsCoder implements Coder for spec.md §4.3's general Reed-Solomon variant
// (m≥1, k+m≤255): coefficients a(j,i) = alpha^{(j+1)*i} over GF(2^8) with
// primitive polynomial 0x11D; parity row Pj = Σ_i a(j,i)*Di. Tolerates up to
// m erasures across data and parity lanes combined, via Gauss-Jordan
// elimination of the coefficient submatrix selected by the erasure pattern.
type rsCoder struct {
	k, m   int
	coeffs [][]byte // coeffs[j][i], j in [0,m), i in [0,k)
}

func newRSCoder(k, m int) *rsCoder {
	c := &rsCoder{k: k, m: m, coeffs: make([][]byte, m)}
	for j := 0; j < m; j++ {
		row := make([]byte, k)
		for i := 0; i < k; i++ {
			row[i] = gfPow((j + 1) * i)
		}
		c.coeffs[j] = row
	}
	return c
}

func (c *rsCoder) Kind() Kind { return ReedSolomon }
func (c *rsCoder) K() int     { return c.k }
func (c *rsCoder) M() int     { return c.m }

func (c *rsCoder) encodeRow(j int, data [][]byte, size int) []byte {
	p := make([]byte, size)
	row := c.coeffs[j]
	for i, d := range data {
		mulBlockXorInto(p, d, row[i])
	}
	return p
}

func (c *rsCoder) Encode(data [][]byte) ([][]byte, error) {
	if err := checkFull(data, c.k); err != nil {
		return nil, err
	}
	size := len(data[0])
	out := make([][]byte, c.m)
	for j := 0; j < c.m; j++ {
		out[j] = c.encodeRow(j, data, size)
	}
	return out, nil
}

func (c *rsCoder) Verify(data, parity [][]byte) (bool, error) {
	if len(parity) != c.m {
		return false, errors.Newf("parity: RS coder expects %d parity lanes, got %d", errors.Safe(c.m), errors.Safe(len(parity)))
	}
	got, err := c.Encode(data)
	if err != nil {
		return false, err
	}
	for j := range got {
		if !blocksEqual(got[j], parity[j]) {
			return false, nil
		}
	}
	return true, nil
}

func (c *rsCoder) Reconstruct(lanes Lanes) error {
	missD := lanes.MissingData()
	missP := lanes.MissingParity()
	if len(missD)+len(missP) > c.m {
		return ErrUnrecoverable
	}
	if len(missD) == 0 {
		return c.fillParity(lanes, missP)
	}

	size := blockLen(lanes.Data)
	if size == 0 {
		size = blockLen(lanes.Parity)
	}

	// Select len(missD) surviving parity rows to form a solvable system.
	var chosen []int
	for j := range lanes.Parity {
		if lanes.Parity[j] != nil {
			chosen = append(chosen, j)
		}
		if len(chosen) == len(missD) {
			break
		}
	}
	if len(chosen) < len(missD) {
		return ErrUnrecoverable
	}

	// Build the augmented system: coeffMatrix[r][col] * D_{missD[col]} = rhs[r]
	n := len(missD)
	coeffMatrix := make([][]byte, n)
	rhs := make([][]byte, n)
	for r, j := range chosen {
		row := make([]byte, n)
		for col, dataIdx := range missD {
			row[col] = c.coeffs[j][dataIdx]
		}
		coeffMatrix[r] = row

		acc := make([]byte, size)
		xorBlockInto(acc, lanes.Parity[j])
		for i, d := range lanes.Data {
			if d == nil {
				continue
			}
			mulBlockXorInto(acc, d, c.coeffs[j][i])
		}
		rhs[r] = acc
	}

	if err := gaussJordanSolve(coeffMatrix, rhs); err != nil {
		return err
	}
	for col, dataIdx := range missD {
		lanes.Data[dataIdx] = rhs[col]
	}

	return c.fillParity(lanes, missP)
}

func (c *rsCoder) fillParity(lanes Lanes, missP []int) error {
	if len(missP) == 0 {
		return nil
	}
	size := blockLen(lanes.Data)
	for _, j := range missP {
		lanes.Parity[j] = c.encodeRow(j, lanes.Data, size)
	}
	return nil
}

// gaussJordanSolve solves coeffMatrix * X = rhs in place over GF(2^8), where
// each "scalar" in rhs is actually a whole block and each row operation
// scales/XORs entire blocks. On return rhs[i] holds the solution for
// unknown i (coeffMatrix is reduced to the identity).
func gaussJordanSolve(coeffMatrix [][]byte, rhs [][]byte) error {
	n := len(coeffMatrix)
	for col := 0; col < n; col++ {
		pivot := -1
		for r := col; r < n; r++ {
			if coeffMatrix[r][col] != 0 {
				pivot = r
				break
			}
		}
		if pivot < 0 {
			return errors.New("parity: singular coefficient matrix, cannot reconstruct")
		}
		coeffMatrix[col], coeffMatrix[pivot] = coeffMatrix[pivot], coeffMatrix[col]
		rhs[col], rhs[pivot] = rhs[pivot], rhs[col]

		inv := gfInv(coeffMatrix[col][col])
		if inv != 1 {
			row := coeffMatrix[col]
			for i := range row {
				row[i] = gfMul(row[i], inv)
			}
			block := rhs[col]
			for i := range block {
				block[i] = gfMul(block[i], inv)
			}
		}

		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := coeffMatrix[r][col]
			if factor == 0 {
				continue
			}
			row := coeffMatrix[r]
			pivotRow := coeffMatrix[col]
			for i := range row {
				row[i] ^= gfMul(factor, pivotRow[i])
			}
			mulBlockXorInto(rhs[r], rhs[col], factor)
		}
	}
	return nil
}
