package migration

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Skyrin/go-schema/e"
)

const (
	ECode010201 = e.Code0102 + "01"
	ECode010202 = e.Code0102 + "02"
)

// DiscoverMigrations scans the directory for *.sql files, excluding rollback
// scripts, and pairs each migration with its sibling rollback file when one
// exists. The returned list is sorted ascending by version. Versions are
// compared lexicographically on the numeric string, so callers must keep the
// version width consistent (zero-padded 3 digits recommended) or ordering
// breaks.
func DiscoverMigrations(dir string) (mList []*Migration, err error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, e.W(err, ECode010201, fmt.Sprintf("dir: %s", dir))
	}

	mList = make([]*Migration, 0, len(paths))
	for _, p := range paths {
		if strings.HasSuffix(p, RollbackSuffix) {
			continue
		}

		m, err := NewMigration(p)
		if err != nil {
			return nil, e.W(err, ECode010202)
		}

		rb := strings.TrimSuffix(p, ".sql") + RollbackSuffix
		for _, other := range paths {
			if other == rb {
				m.RollbackFile = rb
				break
			}
		}

		mList = append(mList, m)
	}

	sort.Slice(mList, func(i, j int) bool {
		return mList[i].Version < mList[j].Version
	})

	return mList, nil
}
