package compare

import (
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// collatorAdapter wraps *collate.Collator so it satisfies LocaleCollator without
// leaking x/text types into callers that only ever use StringLexical.
type collatorAdapter struct {
	c *collate.Collator
}

func (a collatorAdapter) CompareString(x, y string) int {
	return a.c.CompareString(x, y)
}

// NewLocaleCollator builds a LocaleCollator for the given BCP 47 language tag (e.g.
// "en", "de", "ja"). The caller sets the result as Options.Collator together with
// StringSort: StringLocale (cmd/opticoll does so for its collection's CompareOptions),
// per SPEC_FULL §4.1.
func NewLocaleCollator(tag string) (LocaleCollator, error) {
	t, err := language.Parse(tag)
	if err != nil {
		return nil, err
	}
	return collatorAdapter{c: collate.New(t)}, nil
}
