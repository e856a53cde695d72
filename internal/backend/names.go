package backend

import (
	"path"
	"strings"
)

var projectExtensions = []string{".enso-project", ".tar.gz", ".zip"}

// IsProjectFileName reports whether name is an exported project bundle.
func IsProjectFileName(name string) bool {
	for _, ext := range projectExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// StripProjectExtension removes a project bundle extension from name.
func StripProjectExtension(name string) string {
	for _, ext := range projectExtensions {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return name
}

// ProjectExtension returns the bundle extension of name, or "".
func ProjectExtension(name string) string {
	for _, ext := range projectExtensions {
		if strings.HasSuffix(name, ext) {
			return ext
		}
	}
	return ""
}

// SplitFileName splits "report.final.csv" into "report.final" and "csv".
// Names without an extension return an empty extension; dotfiles keep the
// leading dot in the base name.
func SplitFileName(name string) (base, ext string) {
	e := path.Ext(name)
	if e == "" || e == name {
		return name, ""
	}
	return strings.TrimSuffix(name, e), strings.TrimPrefix(e, ".")
}
