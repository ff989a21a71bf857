package webtoon

import (
	"html/template"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// fragmentPolicy allows the markup that panel fragments are made of and nothing else.
var fragmentPolicy = sync.OnceValue(func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("div", "span", "p", "br", "strong", "em", "b", "i")
	p.AllowImages()
	p.AllowAttrs("class", "id").Globally()
	p.AllowDataAttributes()
	p.AllowStyles("top", "bottom", "left", "right", "transform", "width", "color", "font-size").Globally()
	p.AllowURLSchemes("http", "https")
	p.AllowRelativeURLs(true)
	return p
})

// SanitizeFragment strips scripts, event handlers, foreign URL schemes and any element
// outside the panel vocabulary from an externally supplied fragment.
func SanitizeFragment(fragment string) template.HTML {
	return template.HTML(fragmentPolicy().Sanitize(fragment))
}
