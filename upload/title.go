package upload

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultTitle is used when nothing can be derived from the filename.
const DefaultTitle = "New Bonsai"

// TitleFromFilename turns "my_juniper-2.jpg" into "My Juniper 2".
func TitleFromFilename(name string) string {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	base = strings.Join(strings.Fields(base), " ")
	if base == "" || base == "." {
		return DefaultTitle
	}
	return cases.Title(language.Und, cases.NoLower).String(base)
}
