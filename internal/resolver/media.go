package resolver

import (
	"strings"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// MediaSourceFor standardizes the publisher of a page from its head tags.
func MediaSourceFor(domain string, meta pipeline.PageMetadata) pipeline.MediaSource {
	name := strings.TrimSpace(meta.SiteName)
	if name == "" {
		name = domain
	}
	var facebook string
	if p := strings.TrimSpace(meta.Publisher); strings.HasPrefix(p, "http") {
		facebook = p
	}
	return pipeline.MediaSource{
		CanonicalName: name,
		Domain:        domain,
		Facebook:      facebook,
		Twitter:       strings.TrimSpace(meta.TwitterSite),
		Locale:        strings.TrimSpace(meta.Locale),
	}
}
