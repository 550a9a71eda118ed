package content

import (
	"net/url"
	"strings"

	"github.com/notifyhub/web-push-notification/internal/domain"
)

// MediaResolver turns media references and content paths into absolute
// URLs rooted at the site base URL.
type MediaResolver struct {
	base *url.URL
}

// NewMediaResolver returns a resolver for siteBaseURL. An unparseable or
// relative base leaves only absolute references resolvable.
func NewMediaResolver(siteBaseURL string) *MediaResolver {
	base, err := url.Parse(strings.TrimSpace(siteBaseURL))
	if err != nil || !base.IsAbs() {
		base = nil
	}
	return &MediaResolver{base: base}
}

// Resolve returns the absolute URL for ref, or "" when it cannot be
// resolved. Absolute http(s) references are returned unchanged.
func (r *MediaResolver) Resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		if u.Scheme != "http" && u.Scheme != "https" {
			return ""
		}
		return u.String()
	}
	if r.base == nil {
		return ""
	}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return r.base.ResolveReference(u).String()
}

// Builder builds template notifications for published content.
type Builder struct {
	media *MediaResolver
}

func NewBuilder(media *MediaResolver) *Builder {
	return &Builder{media: media}
}

// Build resolves the event into a template item: the body is stripped of
// markup and trimmed to bodyLength, the icon and url become absolute URLs.
func (b *Builder) Build(ev domain.ContentEvent, bodyLength int) domain.NotificationItem {
	return domain.NotificationItem{
		Title: strings.TrimSpace(ev.Title),
		Body:  domain.PrepareBody(ev.Body, bodyLength),
		Icon:  b.media.Resolve(ev.IconRef),
		URL:   b.media.Resolve(ev.Path),
	}
}
