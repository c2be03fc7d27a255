package substreams

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidBlockRange is returned for malformed block range expressions.
var ErrInvalidBlockRange = errors.New("invalid block range")

// BlockRange is the resolved [Start, Stop) range requested from the endpoint.
// Stop 0 streams forever.
type BlockRange struct {
	Start int64
	Stop  uint64
}

func (r BlockRange) String() string {
	if r.Stop == 0 {
		return fmt.Sprintf("%d:-", r.Start)
	}
	return fmt.Sprintf("%d:%d", r.Start, r.Stop)
}

// ParseBlockRange resolves "start:stop" against the module initial block.
//
// start is empty (initial block), +N (initial block + N) or an absolute
// number. stop is empty or "-" (unbounded), +N (start + N) or an absolute
// number. Without a colon the whole input is the stop.
func ParseBlockRange(input string, initialBlock uint64) (BlockRange, error) {
	var prefix, suffix string
	if before, after, ok := strings.Cut(input, ":"); ok {
		prefix, suffix = before, after
	} else {
		suffix = input
	}

	var r BlockRange
	switch {
	case prefix == "":
		if initialBlock > math.MaxInt64 {
			return BlockRange{}, fmt.Errorf("%w: initial block %d overflows", ErrInvalidBlockRange, initialBlock)
		}
		r.Start = int64(initialBlock)
	case strings.HasPrefix(prefix, "+"):
		n, err := strconv.ParseUint(strings.TrimPrefix(prefix, "+"), 10, 64)
		if err != nil {
			return BlockRange{}, fmt.Errorf("%w: start %q is not a valid integer", ErrInvalidBlockRange, prefix)
		}
		if initialBlock > math.MaxInt64 || n > math.MaxInt64-initialBlock {
			return BlockRange{}, fmt.Errorf("%w: start %q overflows", ErrInvalidBlockRange, prefix)
		}
		r.Start = int64(initialBlock + n)
	default:
		n, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil {
			return BlockRange{}, fmt.Errorf("%w: start %q is not a valid integer", ErrInvalidBlockRange, prefix)
		}
		r.Start = n
	}

	switch {
	case suffix == "" || suffix == "-":
		r.Stop = 0
	case strings.HasPrefix(suffix, "+"):
		n, err := strconv.ParseUint(strings.TrimPrefix(suffix, "+"), 10, 64)
		if err != nil {
			return BlockRange{}, fmt.Errorf("%w: stop %q is not a valid integer", ErrInvalidBlockRange, suffix)
		}
		if r.Start < 0 {
			return BlockRange{}, fmt.Errorf("%w: relative stop %q needs a non-negative start", ErrInvalidBlockRange, suffix)
		}
		if n > math.MaxUint64-uint64(r.Start) {
			return BlockRange{}, fmt.Errorf("%w: stop %q overflows", ErrInvalidBlockRange, suffix)
		}
		r.Stop = uint64(r.Start) + n
	default:
		n, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil {
			return BlockRange{}, fmt.Errorf("%w: stop %q is not a valid integer", ErrInvalidBlockRange, suffix)
		}
		r.Stop = n
	}

	return r, nil
}
