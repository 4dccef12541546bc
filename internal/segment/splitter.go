package segment

const (
	mib = 1024 * 1024
	gib = 1024 * mib

	// bdpWindow is the per-segment transfer window assumed when sizing
	// parallelism from the bandwidth-delay product.
	bdpWindow = 64 * 1024
)

// OptimalSegments picks the initial parallelism for a resource. Size buckets
// cap the count so small files stay on few connections; a positive
// bandwidth-delay product estimate lowers it further (a thin pipe gains
// nothing from extra streams). The result is then clamped so no segment
// falls below minSegmentSize and the total never exceeds maxSegments.
//
// Unknown sizes and servers without range support always get one segment.
func OptimalSegments(size, minSegmentSize int64, maxSegments int, supportsRange bool, bdpHint int64) int {
	if !supportsRange || size <= 0 {
		return 1
	}

	var count int
	switch {
	case size <= 1*mib:
		count = 1
	case size <= 10*mib:
		count = 4
	case size <= 100*mib:
		count = 8
	case size <= 1*gib:
		count = 16
	default:
		count = 32
	}

	if bdpHint > 0 {
		byBDP := int((bdpHint + bdpWindow - 1) / bdpWindow)
		if byBDP < 1 {
			byBDP = 1
		}
		if byBDP < count {
			count = byBDP
		}
	}

	if minSegmentSize > 0 {
		bySize := int(size / minSegmentSize)
		if bySize < 1 {
			bySize = 1
		}
		if count > bySize {
			count = bySize
		}
	}
	if maxSegments > 0 && count > maxSegments {
		count = maxSegments
	}
	return count
}

// SplitRange partitions [0, size) into count contiguous half-open ranges.
// The ranges cover the resource exactly: no gaps, no overlap, and the last
// range absorbs the remainder when size is not evenly divisible.
func SplitRange(size int64, count int) []ByteRange {
	if count < 1 {
		count = 1
	}
	if size <= 0 {
		return []ByteRange{{Start: 0, End: size}}
	}

	base := size / int64(count)
	ranges := make([]ByteRange, 0, count)

	var start int64
	for i := 0; i < count; i++ {
		end := start + base
		if i == count-1 {
			end = size
		}
		ranges = append(ranges, ByteRange{Start: start, End: end})
		start = end
	}
	return ranges
}
