package parity

import "github.com/cockroachdb/errors"

// noneCoder implements Coder for spec.md §4.3's None variant: no parity, no
// reconstruction capability.
type noneCoder struct{ k int }

func (c *noneCoder) Kind() Kind { return None }
func (c *noneCoder) K() int     { return c.k }
func (c *noneCoder) M() int     { return 0 }

func (c *noneCoder) Encode(data [][]byte) ([][]byte, error) {
	if len(data) != c.k {
		return nil, errors.Newf("parity: expected %d data lanes, got %d", errors.Safe(c.k), errors.Safe(len(data)))
	}
	return nil, nil
}

func (c *noneCoder) Verify(data, parity [][]byte) (bool, error) {
	return len(parity) == 0, nil
}

func (c *noneCoder) Reconstruct(lanes Lanes) error {
	if len(lanes.MissingData()) == 0 && len(lanes.MissingParity()) == 0 {
		return nil
	}
	return ErrUnrecoverable
}
