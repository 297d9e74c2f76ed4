package version

import (
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/manifest"
)

// PickCompaction picks the level and inputs for a new compaction, or
// returns nil when there is nothing to do. Size-triggered compactions are
// preferred over seek-triggered ones.
func (vs *VersionSet) PickCompaction() *Compaction {
	current := vs.current
	sizeCompaction := current.compactionScore >= 1
	seekCompaction := current.fileToCompact != nil

	var c *Compaction
	switch {
	case sizeCompaction:
		level := current.compactionLevel
		c = newCompaction(vs, level)
		// Pick the first file that comes after the compact pointer.
		for _, f := range current.files[level] {
			if vs.compactPointer[level].Empty() || vs.icmp.Compare(f.Largest, vs.compactPointer[level]) > 0 {
				c.inputs[0] = append(c.inputs[0], f)
				break
			}
		}
		if len(c.inputs[0]) == 0 {
			// Wrap around to the beginning of the key space.
			c.inputs[0] = append(c.inputs[0], current.files[level][0])
		}
	case seekCompaction:
		c = newCompaction(vs, current.fileToCompactLevel)
		c.inputs[0] = append(c.inputs[0], current.fileToCompact)
	default:
		return nil
	}

	c.inputVersion = current
	c.inputVersion.Ref()

	// Files in level 0 may overlap each other, so pick up all overlapping
	// ones.
	if c.level == 0 {
		smallest, largest := vs.getRange(c.inputs[0])
		// This could pick the file we just chose, and others.
		c.inputs[0] = current.GetOverlappingInputs(0, smallest, largest)
	}

	vs.setupOtherInputs(c)
	return c
}

// CompactRange returns a compaction of the files at level that overlap
// [begin, end], or nil when none do. A nil bound is unbounded.
func (vs *VersionSet) CompactRange(level int, begin, end dbformat.InternalKey) *Compaction {
	inputs := vs.current.GetOverlappingInputs(level, begin, end)
	if len(inputs) == 0 {
		return nil
	}

	// Avoid compacting too much in one shot in case the range is large.
	// Level-0 files cannot be split because they may overlap each other.
	if level > 0 {
		limit := vs.opts.MaxFileSize
		var total uint64
		for i, f := range inputs {
			total += f.FileSize
			if total >= limit {
				inputs = inputs[:i+1]
				break
			}
		}
	}

	c := newCompaction(vs, level)
	c.inputVersion = vs.current
	c.inputVersion.Ref()
	c.inputs[0] = inputs
	vs.setupOtherInputs(c)
	return c
}

// getRange returns the smallest and largest keys across files.
func (vs *VersionSet) getRange(files []*manifest.FileMetaData) (smallest, largest dbformat.InternalKey) {
	for i, f := range files {
		if i == 0 {
			smallest, largest = f.Smallest, f.Largest
			continue
		}
		if vs.icmp.Compare(f.Smallest, smallest) < 0 {
			smallest = f.Smallest
		}
		if vs.icmp.Compare(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}
	return smallest, largest
}

// getRange2 returns the key range covered by both input sets.
func (vs *VersionSet) getRange2(a, b []*manifest.FileMetaData) (smallest, largest dbformat.InternalKey) {
	all := make([]*manifest.FileMetaData, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	return vs.getRange(all)
}

// findLargestKey returns the largest key in files.
func findLargestKey(icmp *dbformat.InternalKeyComparator, files []*manifest.FileMetaData) (dbformat.InternalKey, bool) {
	if len(files) == 0 {
		return nil, false
	}
	largest := files[0].Largest
	for _, f := range files[1:] {
		if icmp.Compare(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}
	return largest, true
}

// findSmallestBoundaryFile returns the file in levelFiles with the smallest
// Smallest key such that its user key equals that of largestKey and it
// sorts after largestKey.
func findSmallestBoundaryFile(icmp *dbformat.InternalKeyComparator, levelFiles []*manifest.FileMetaData, largestKey dbformat.InternalKey) *manifest.FileMetaData {
	ucmp := icmp.UserComparator()
	var smallest *manifest.FileMetaData
	for _, f := range levelFiles {
		if icmp.Compare(f.Smallest, largestKey) > 0 &&
			ucmp.Compare(f.Smallest.UserKey(), largestKey.UserKey()) == 0 {
			if smallest == nil || icmp.Compare(f.Smallest, smallest.Smallest) < 0 {
				smallest = f
			}
		}
	}
	return smallest
}

// addBoundaryInputs extends compactionFiles with every file in levelFiles
// that holds an older version of the largest user key already being
// compacted. Leaving such a file behind would let the older entry resurface
// once the newer one is pushed down a level.
func addBoundaryInputs(icmp *dbformat.InternalKeyComparator, levelFiles, compactionFiles []*manifest.FileMetaData) []*manifest.FileMetaData {
	largestKey, ok := findLargestKey(icmp, compactionFiles)
	if !ok {
		return compactionFiles
	}
	for {
		b := findSmallestBoundaryFile(icmp, levelFiles, largestKey)
		if b == nil {
			return compactionFiles
		}
		compactionFiles = append(compactionFiles, b)
		largestKey = b.Largest
	}
}

func (vs *VersionSet) setupOtherInputs(c *Compaction) {
	current := vs.current
	level := c.level

	c.inputs[0] = addBoundaryInputs(vs.icmp, current.files[level], c.inputs[0])
	smallest, largest := vs.getRange(c.inputs[0])

	c.inputs[1] = current.GetOverlappingInputs(level+1, smallest, largest)
	c.inputs[1] = addBoundaryInputs(vs.icmp, current.files[level+1], c.inputs[1])

	// Get entire range covered by compaction.
	allStart, allLimit := vs.getRange2(c.inputs[0], c.inputs[1])

	// See if we can grow the number of inputs in level without changing the
	// number of level+1 files we pick up.
	if len(c.inputs[1]) > 0 {
		expanded0 := current.GetOverlappingInputs(level, allStart, allLimit)
		expanded0 = addBoundaryInputs(vs.icmp, current.files[level], expanded0)
		inputs0Size := totalFileSize(c.inputs[0])
		inputs1Size := totalFileSize(c.inputs[1])
		expanded0Size := totalFileSize(expanded0)
		if len(expanded0) > len(c.inputs[0]) &&
			inputs1Size+expanded0Size < vs.expandedCompactionByteSizeLimit() {
			newStart, newLimit := vs.getRange(expanded0)
			expanded1 := current.GetOverlappingInputs(level+1, newStart, newLimit)
			expanded1 = addBoundaryInputs(vs.icmp, current.files[level+1], expanded1)
			if len(expanded1) == len(c.inputs[1]) {
				vs.opts.Logger.Infof("%sexpanding@%d %d+%d (%d+%d bytes) to %d+%d (%d+%d bytes)",
					logging.NSCompact, level, len(c.inputs[0]), len(c.inputs[1]), inputs0Size, inputs1Size,
					len(expanded0), len(expanded1), expanded0Size, inputs1Size)
				largest = newLimit
				c.inputs[0] = expanded0
				c.inputs[1] = expanded1
				allStart, allLimit = vs.getRange2(c.inputs[0], c.inputs[1])
			}
		}
	}

	// Compute the set of grandparent files that overlap this compaction.
	if level+2 < vs.opts.NumLevels {
		c.grandparents = current.GetOverlappingInputs(level+2, allStart, allLimit)
	}

	// Update the place where we will do the next compaction for this level.
	// We update this immediately instead of waiting for the VersionEdit to
	// be applied so that if the compaction fails, we will try a different
	// key range next time.
	vs.compactPointer[level] = largest.Clone()
	c.edit.SetCompactPointer(level, largest)
}
