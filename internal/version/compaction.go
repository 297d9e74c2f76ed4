package version

import (
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/manifest"
)

// Compaction describes one compaction: the files of level and level+1
// that are merged into new files at level+1.
type Compaction struct {
	level             int
	maxOutputFileSize uint64
	inputVersion      *Version
	edit              manifest.VersionEdit

	icmp                       *dbformat.InternalKeyComparator
	maxGrandParentOverlapBytes int64

	// inputs[0] is the level's files, inputs[1] the level+1 files.
	inputs [2][]*manifest.FileMetaData

	// Files at level+2 that overlap the compaction range.
	grandparents     []*manifest.FileMetaData
	grandparentIndex int   // index in grandparents
	seenKey          bool  // some output key has been seen
	overlappedBytes  int64 // bytes of overlap between current output and grandparents

	// levelPtrs holds, per level, the position IsBaseLevelForKey has
	// advanced to. Keys are fed in increasing order so the positions only
	// move forward.
	levelPtrs []int
}

func newCompaction(vs *VersionSet, level int) *Compaction {
	return &Compaction{
		level:                      level,
		maxOutputFileSize:          vs.opts.MaxFileSize,
		icmp:                       vs.icmp,
		maxGrandParentOverlapBytes: int64(vs.maxGrandParentOverlapBytes()),
		levelPtrs:                  make([]int, vs.opts.NumLevels),
	}
}

// Level returns the level being compacted. Output goes to Level()+1.
func (c *Compaction) Level() int { return c.level }

// Edit returns the edit that will install the compaction's result.
func (c *Compaction) Edit() *manifest.VersionEdit { return &c.edit }

// InputVersion returns the version the inputs were picked from.
func (c *Compaction) InputVersion() *Version { return c.inputVersion }

// NumInputFiles returns the number of input files at level+which.
func (c *Compaction) NumInputFiles(which int) int { return len(c.inputs[which]) }

// Input returns the i'th input file at level+which.
func (c *Compaction) Input(which, i int) *manifest.FileMetaData { return c.inputs[which][i] }

// Inputs returns the input files at level+which.
func (c *Compaction) Inputs(which int) []*manifest.FileMetaData { return c.inputs[which] }

// MaxOutputFileSize is the size at which output files are cut.
func (c *Compaction) MaxOutputFileSize() uint64 { return c.maxOutputFileSize }

// IsTrivialMove reports whether the compaction can move its single input
// file to the next level without merging or splitting it.
func (c *Compaction) IsTrivialMove() bool {
	// Avoid a move if there is lots of overlapping grandparent data.
	// Otherwise the move could create a parent file that will require a
	// very expensive merge later on.
	return len(c.inputs[0]) == 1 && len(c.inputs[1]) == 0 &&
		int64(totalFileSize(c.grandparents)) <= c.maxGrandParentOverlapBytes
}

// AddInputDeletions adds a delete for every input file to edit.
func (c *Compaction) AddInputDeletions(edit *manifest.VersionEdit) {
	for which := 0; which < 2; which++ {
		for _, f := range c.inputs[which] {
			edit.RemoveFile(c.level+which, f.Number)
		}
	}
}

// IsBaseLevelForKey reports whether no level below the output level can
// hold userKey. Calls must pass user keys in increasing order.
func (c *Compaction) IsBaseLevelForKey(userKey []byte) bool {
	ucmp := c.icmp.UserComparator()
	v := c.inputVersion
	for level := c.level + 2; level < len(v.files); level++ {
		files := v.files[level]
		for c.levelPtrs[level] < len(files) {
			f := files[c.levelPtrs[level]]
			if ucmp.Compare(userKey, f.Largest.UserKey()) <= 0 {
				// We've advanced far enough.
				if ucmp.Compare(userKey, f.Smallest.UserKey()) >= 0 {
					// Key falls in this file's range, so it is not base level.
					return false
				}
				break
			}
			c.levelPtrs[level]++
		}
	}
	return true
}

// ShouldStopBefore reports whether the current output file should be
// finished before ikey is added, because it already overlaps too much
// grandparent data.
func (c *Compaction) ShouldStopBefore(ikey []byte) bool {
	for c.grandparentIndex < len(c.grandparents) &&
		c.icmp.Compare(ikey, c.grandparents[c.grandparentIndex].Largest) > 0 {
		if c.seenKey {
			c.overlappedBytes += int64(c.grandparents[c.grandparentIndex].FileSize)
		}
		c.grandparentIndex++
	}
	c.seenKey = true

	if c.overlappedBytes > c.maxGrandParentOverlapBytes {
		// Too much overlap for the current output; start a new one.
		c.overlappedBytes = 0
		return true
	}
	return false
}

// ReleaseInputs drops the reference on the input version once the
// compaction is done with it.
func (c *Compaction) ReleaseInputs() {
	if c.inputVersion != nil {
		c.inputVersion.Unref()
		c.inputVersion = nil
	}
}
