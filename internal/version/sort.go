package version

import (
	"sort"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/manifest"
)

func lessBySmallest(icmp *dbformat.InternalKeyComparator, a, b *manifest.FileMetaData) bool {
	if r := icmp.Compare(a.Smallest, b.Smallest); r != 0 {
		return r < 0
	}
	return a.Number < b.Number
}

// sortByNumber orders level-0 files oldest first.
func sortByNumber(files []*manifest.FileMetaData) {
	sort.Slice(files, func(i, j int) bool { return files[i].Number < files[j].Number })
}
