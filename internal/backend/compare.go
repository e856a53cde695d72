package backend

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/fruitsalade/assetsync/internal/assetid"
)

var typeOrder = map[assetid.Kind]int{
	assetid.Directory:      0,
	assetid.Project:        1,
	assetid.File:           2,
	assetid.Datalink:       3,
	assetid.Secret:         4,
	assetid.SpecialLoading: 5,
	assetid.SpecialEmpty:   6,
	assetid.SpecialError:   7,
}

var actionOrder = map[PermissionAction]int{
	ActionOwn:   0,
	ActionAdmin: 1,
	ActionEdit:  2,
	ActionRead:  3,
	ActionView:  4,
}

// Collators keep per-instance buffers, so they are pooled.
var collators = sync.Pool{
	New: func() any { return collate.New(language.Und, collate.IgnoreCase) },
}

func compareText(c *collate.Collator, a, b string) int {
	if r := c.CompareString(a, b); r != 0 {
		return r
	}
	return strings.Compare(a, b)
}

func rank(m map[assetid.Kind]int, k assetid.Kind) int {
	if r, ok := m[k]; ok {
		return r
	}
	return len(m)
}

func compareAssets(c *collate.Collator, a, b Asset) int {
	if ra, rb := rank(typeOrder, a.Type), rank(typeOrder, b.Type); ra != rb {
		return ra - rb
	}
	if r := compareText(c, a.Title, b.Title); r != 0 {
		return r
	}
	return strings.Compare(string(a.ID), string(b.ID))
}

// CompareAssets orders assets by type, then title, then id.
func CompareAssets(a, b Asset) int {
	c := collators.Get().(*collate.Collator)
	defer collators.Put(c)
	return compareAssets(c, a, b)
}

// SortAssets sorts assets in place with CompareAssets.
func SortAssets(assets []Asset) {
	c := collators.Get().(*collate.Collator)
	defer collators.Put(c)
	sort.SliceStable(assets, func(i, j int) bool {
		return compareAssets(c, assets[i], assets[j]) < 0
	})
}

func actionRank(a PermissionAction) int {
	if r, ok := actionOrder[a]; ok {
		return r
	}
	return len(actionOrder)
}

func subject(p Permission) (isGroup bool, name, id string) {
	if p.User != nil {
		u := p.User.Get()
		return false, u.Name, u.UserID
	}
	if p.Group != nil {
		return true, p.Group.Name, p.Group.ID
	}
	return true, "", ""
}

func comparePermissions(c *collate.Collator, a, b Permission) int {
	if ra, rb := actionRank(a.Action), actionRank(b.Action); ra != rb {
		return ra - rb
	}
	ga, na, ia := subject(a)
	gb, nb, ib := subject(b)
	if ga != gb {
		if ga {
			return 1
		}
		return -1
	}
	if r := compareText(c, na, nb); r != 0 {
		return r
	}
	return strings.Compare(ia, ib)
}

// ComparePermissions orders by access level (own first), users before
// groups, then name and id.
func ComparePermissions(a, b Permission) int {
	c := collators.Get().(*collate.Collator)
	defer collators.Put(c)
	return comparePermissions(c, a, b)
}

// SortPermissions sorts perms in place with ComparePermissions.
func SortPermissions(perms []Permission) {
	c := collators.Get().(*collate.Collator)
	defer collators.Put(c)
	sort.SliceStable(perms, func(i, j int) bool {
		return comparePermissions(c, perms[i], perms[j]) < 0
	})
}
