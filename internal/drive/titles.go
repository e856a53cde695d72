package drive

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
)

// NewTitle returns "<base> N" where N is one more than the largest N already
// used by a sibling of kind titled "<base> N".
func NewTitle(siblings []backend.Asset, kind assetid.Kind, base string) string {
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(base) + ` (\d+)$`)
	highest := 0
	for _, a := range siblings {
		if a.Type != kind {
			continue
		}
		m := re.FindStringSubmatch(a.Title)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%s %d", base, highest+1)
}

// defaultBase is the stem of generated titles per kind.
var defaultBase = map[assetid.Kind]string{
	assetid.Directory: "New Folder",
	assetid.Project:   "New Project",
	assetid.Secret:    "New Secret",
	assetid.Datalink:  "New Datalink",
}

// uniqueTitle finds the first free variant of title: "name 2.ext", "name 3.ext"
// and so on for files, "name 2" and onwards for projects.
func uniqueTitle(kind assetid.Kind, title string, taken map[string]bool) string {
	base, ext := title, ""
	if kind == assetid.File {
		base, ext = backend.SplitFileName(title)
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s %d", base, i)
		if ext != "" {
			candidate += "." + ext
		}
		if !taken[candidate] {
			return candidate
		}
	}
}
