package version

import (
	"github.com/zhangyunhao116/skipmap"
	"github.com/zhangyunhao116/skipset"

	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/status"
)

type levelState struct {
	deleted *skipset.OrderedSet[uint64]
	// added is ordered by smallest key, then file number.
	added *skipmap.FuncMap[*manifest.FileMetaData, struct{}]
}

// Builder applies a sequence of edits to a base Version without
// materializing the intermediate Versions.
//
//	b := NewBuilder(vset, base)
//	b.Apply(edit1)
//	b.Apply(edit2)
//	err := b.SaveTo(v)
type Builder struct {
	vset   *VersionSet
	base   *Version
	levels []levelState
}

// NewBuilder returns a Builder on top of base. base is referenced until
// Release.
func NewBuilder(vs *VersionSet, base *Version) *Builder {
	b := &Builder{
		vset:   vs,
		base:   base,
		levels: make([]levelState, vs.opts.NumLevels),
	}
	base.Ref()
	icmp := vs.icmp
	for i := range b.levels {
		b.levels[i] = levelState{
			deleted: skipset.New[uint64](),
			added: skipmap.NewFunc[*manifest.FileMetaData, struct{}](func(f1, f2 *manifest.FileMetaData) bool {
				return lessBySmallest(icmp, f1, f2)
			}),
		}
	}
	return b
}

// Release drops the reference on the base version.
func (b *Builder) Release() { b.base.Unref() }

// Apply folds edit into the builder state.
func (b *Builder) Apply(edit *manifest.VersionEdit) error {
	for _, cp := range edit.CompactPointers {
		if cp.Level >= len(b.levels) {
			return status.Corruptionf("compact pointer for level %d beyond %d levels", cp.Level, len(b.levels))
		}
		b.vset.compactPointer[cp.Level] = cp.Key.Clone()
	}

	for df := range edit.DeletedFiles {
		if df.Level >= len(b.levels) {
			return status.Corruptionf("deleted file %d at level %d beyond %d levels", df.Number, df.Level, len(b.levels))
		}
		b.levels[df.Level].deleted.Add(df.Number)
	}

	for _, nf := range edit.NewFiles {
		if nf.Level >= len(b.levels) {
			return status.Corruptionf("new file %d at level %d beyond %d levels", nf.Meta.Number, nf.Level, len(b.levels))
		}
		// Copy so every version builds its own seek budget.
		f := manifest.NewFileMetaData(nf.Meta.Number, nf.Meta.FileSize, nf.Meta.Smallest, nf.Meta.Largest)
		b.levels[nf.Level].deleted.Remove(f.Number)
		b.levels[nf.Level].added.Store(f, struct{}{})
	}
	return nil
}

// SaveTo stores the base files plus the accumulated changes in v. It fails
// if the result has overlapping files at a level above 0; v must then be
// discarded.
func (b *Builder) SaveTo(v *Version) error {
	icmp := b.vset.icmp
	for level := range b.levels {
		// Merge the added files into the base files, both sorted by
		// smallest key. Level 0 is re-sorted by file number afterwards.
		baseFiles := b.base.files[level]
		var files []*manifest.FileMetaData
		if n := len(baseFiles) + b.levels[level].added.Len(); n > 0 {
			files = make([]*manifest.FileMetaData, 0, n)
		}
		i := 0
		b.levels[level].added.Range(func(added *manifest.FileMetaData, _ struct{}) bool {
			for i < len(baseFiles) && lessBySmallest(icmp, baseFiles[i], added) {
				files = b.maybeAddFile(files, level, baseFiles[i])
				i++
			}
			files = b.maybeAddFile(files, level, added)
			return true
		})
		for ; i < len(baseFiles); i++ {
			files = b.maybeAddFile(files, level, baseFiles[i])
		}

		v.files[level] = files
		if level == 0 {
			sortByNumber(files)
			continue
		}
		for j := 1; j < len(files); j++ {
			if icmp.Compare(files[j-1].Largest, files[j].Smallest) >= 0 {
				return status.Corruptionf("overlapping ranges in level %d: %s vs %s",
					level, files[j-1].Largest.DebugString(), files[j].Smallest.DebugString())
			}
		}
	}
	return nil
}

func (b *Builder) maybeAddFile(files []*manifest.FileMetaData, level int, f *manifest.FileMetaData) []*manifest.FileMetaData {
	if b.levels[level].deleted.Contains(f.Number) {
		return files
	}
	f.Ref()
	return append(files, f)
}
