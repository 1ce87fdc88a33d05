package parity

import "github.com/cockroachdb/errors"

// xorCoder implements Coder for spec.md §4.3's XOR variant (m=1):
// P = D0 ⊕ D1 ⊕ ... ⊕ Dk-1. Reconstructs exactly one missing lane, data or
// parity.
type xorCoder struct{ k int }

func (c *xorCoder) Kind() Kind { return XOR }
func (c *xorCoder) K() int     { return c.k }
func (c *xorCoder) M() int     { return 1 }

func (c *xorCoder) Encode(data [][]byte) ([][]byte, error) {
	if err := checkFull(data, c.k); err != nil {
		return nil, err
	}
	p := zeroedLike(data[0])
	for _, d := range data {
		xorBlockInto(p, d)
	}
	return [][]byte{p}, nil
}

func (c *xorCoder) Verify(data, parity [][]byte) (bool, error) {
	if len(parity) != 1 {
		return false, errors.Newf("parity: XOR coder expects 1 parity lane, got %d", errors.Safe(len(parity)))
	}
	got, err := c.Encode(data)
	if err != nil {
		return false, err
	}
	return blocksEqual(got[0], parity[0]), nil
}

func (c *xorCoder) Reconstruct(lanes Lanes) error {
	missD := lanes.MissingData()
	missP := lanes.MissingParity()
	total := len(missD) + len(missP)
	if total == 0 {
		return nil
	}
	if total > 1 {
		return ErrUnrecoverable
	}

	size := blockLen(lanes.Data)
	if size == 0 {
		size = blockLen(lanes.Parity)
	}

	if len(missP) == 1 {
		sum := make([]byte, size)
		for _, d := range lanes.Data {
			xorBlockInto(sum, d)
		}
		lanes.Parity[missP[0]] = sum
		return nil
	}

	// One data lane missing: recover it from the parity lane XORed with
	// every surviving data lane.
	idx := missD[0]
	sum := make([]byte, size)
	xorBlockInto(sum, lanes.Parity[0])
	for i, d := range lanes.Data {
		if i == idx {
			continue
		}
		xorBlockInto(sum, d)
	}
	lanes.Data[idx] = sum
	return nil
}

func checkFull(data [][]byte, k int) error {
	if len(data) != k {
		return errors.Newf("parity: expected %d data lanes, got %d", errors.Safe(k), errors.Safe(len(data)))
	}
	for i, d := range data {
		if d == nil {
			return errors.Newf("parity: data lane %d is missing", errors.Safe(i))
		}
	}
	return nil
}
