package mailbuilder

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/gotrs-io/gotrs-mail/internal/models"
)

var imgSrcRegexp = regexp.MustCompile(`<img.*?src=['"](.*?)['"].*?>`)

// RewriteInlineImages replaces every <img src> that resolves to one of the
// attachments with a cid: reference and marks that attachment inline.
// Already rewritten references do not resolve, so the rewrite is idempotent.
func RewriteInlineImages(bodyHTML string, attachments []*models.Attachment) string {
	if bodyHTML == "" || len(attachments) == 0 {
		return bodyHTML
	}

	for _, match := range imgSrcRegexp.FindAllStringSubmatch(bodyHTML, -1) {
		src := match[1]
		if a := findAttachment(src, attachments); a != nil {
			a.Type = models.AttachmentTypeInline
			bodyHTML = strings.ReplaceAll(bodyHTML, src, "cid:"+a.ID)
		}
	}

	return bodyHTML
}

// findAttachment matches a file URL by path, or by the fid query parameter
// when one is present.
func findAttachment(fileURL string, attachments []*models.Attachment) *models.Attachment {
	if fileURL == "" {
		return nil
	}

	u, err := url.Parse(fileURL)
	if err != nil {
		return nil
	}

	if fid := u.Query().Get("fid"); fid != "" {
		for _, a := range attachments {
			if a.ID == fid {
				return a
			}
		}
		return nil
	}

	if u.Path == "" {
		return nil
	}
	for _, a := range attachments {
		if a.FileURL == u.Path {
			return a
		}
	}
	return nil
}

// ResolveAttachmentFileNames rewrites <img src> values equal to an attachment
// file name into that attachment's file URL. API clients reference images by
// the name they uploaded them under.
func ResolveAttachmentFileNames(bodyHTML string, attachments []*models.Attachment) string {
	if bodyHTML == "" || len(attachments) == 0 {
		return bodyHTML
	}

	seen := make(map[string]bool)
	for _, match := range imgSrcRegexp.FindAllStringSubmatch(bodyHTML, -1) {
		src := match[1]
		if seen[src] {
			continue
		}
		seen[src] = true
		for _, a := range attachments {
			if src == a.FileName && a.FileURL != "" {
				bodyHTML = strings.ReplaceAll(bodyHTML, src, a.FileURL)
				break
			}
		}
	}

	return bodyHTML
}

// AddTrackingPixel inserts an invisible open-tracking image right after <body>,
// wrapping the content in a document when it has no body tag.
func AddTrackingPixel(bodyHTML, src string) string {
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none">`, src)

	if strings.Contains(bodyHTML, "<body>") {
		return strings.Replace(bodyHTML, "<body>", "<body>"+pixel, 1)
	}
	return "<html><body>" + pixel + bodyHTML + "</body></html>"
}

// TrackingURL is the open-tracking endpoint for a tracking id
func TrackingURL(siteURL, trackingID string) string {
	return strings.TrimRight(siteURL, "/") + "/api/v1/track/open?id=" + url.QueryEscape(trackingID)
}
