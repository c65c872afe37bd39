package browser

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// linkTextLimit caps the text captured for a single link or image alt.
const linkTextLimit = 100

// pageExtract is what parsePage pulls out of a document.
type pageExtract struct {
	Text   string
	Links  []pageLink
	Images []pageImage
}

// parsePage walks an HTML document and collects its visible text, its absolute http(s)
// links, and its images. Script, style, and noscript subtrees are skipped. Text is
// whitespace-joined and truncated at cfg.MaxContentLength characters; link and image
// collection stops at cfg.MaxLinks and cfg.MaxImages.
func parsePage(source string, cfg Config) (pageExtract, error) {
	doc, err := html.Parse(strings.NewReader(source))
	if err != nil {
		return pageExtract{}, fmt.Errorf("failed to parse html: %w", err)
	}

	extract := pageExtract{
		Links:  make([]pageLink, 0),
		Images: make([]pageImage, 0),
	}
	var words []string

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "a":
				if len(extract.Links) < cfg.MaxLinks {
					if href, ok := attrValue(n, "href"); ok && isHTTPLink(href) {
						extract.Links = append(extract.Links, pageLink{
							URL:  href,
							Text: truncateRunes(nodeText(n), linkTextLimit),
						})
					}
				}
			case "img":
				if len(extract.Images) < cfg.MaxImages {
					if src, ok := attrValue(n, "src"); ok {
						alt, _ := attrValue(n, "alt")
						extract.Images = append(extract.Images, pageImage{
							Src: src,
							Alt: truncateRunes(alt, linkTextLimit),
						})
					}
				}
			}
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				words = append(words, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	text := strings.Join(words, " ")
	if runes := []rune(text); len(runes) > cfg.MaxContentLength {
		text = string(runes[:cfg.MaxContentLength]) + "..."
	}
	extract.Text = text

	return extract, nil
}

// nodeText returns the trimmed text beneath n, joined with single spaces.
func nodeText(n *html.Node) string {
	var words []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				words = append(words, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(words, " ")
}

// isHTTPLink reports whether href is an absolute http or https URL.
func isHTTPLink(href string) bool {
	return strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://")
}

func attrValue(n *html.Node, name string) (string, bool) {
	for _, attr := range n.Attr {
		if attr.Key == name {
			return attr.Val, true
		}
	}
	return "", false
}

// truncateRunes caps s at max runes so multi-byte text never gets cut mid-character.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
