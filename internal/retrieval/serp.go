package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
)

const (
	maxSERPBytes       = 2 << 20
	maxSnippetRunes    = 180
	serpUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	defaultBingURL     = "https://cn.bing.com"
	defaultBaiduURL    = "https://www.baidu.com"
	serpResultsPerPage = 10
)

type serpParser func(doc *html.Node) []SERPResult

// HTMLSearchProvider fetches and parses a search engine result page.
type HTMLSearchProvider struct {
	name    string
	baseURL string
	client  *http.Client
	pageURL func(base, query string, page int) string
	parse   serpParser
}

// NewBingProvider parses cn.bing.com result pages. An empty baseURL uses the
// public endpoint.
func NewBingProvider(client *http.Client, baseURL string) *HTMLSearchProvider {
	if baseURL == "" {
		baseURL = defaultBingURL
	}
	return &HTMLSearchProvider{
		name:    "bing",
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  orDefaultClient(client),
		pageURL: func(base, q string, page int) string {
			return base + "/search?q=" + url.QueryEscape(q) + "&first=" + strconv.Itoa(1+page*serpResultsPerPage)
		},
		parse: parseBing,
	}
}

// NewBaiduProvider parses www.baidu.com result pages.
func NewBaiduProvider(client *http.Client, baseURL string) *HTMLSearchProvider {
	if baseURL == "" {
		baseURL = defaultBaiduURL
	}
	return &HTMLSearchProvider{
		name:    "baidu",
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  orDefaultClient(client),
		pageURL: func(base, q string, page int) string {
			return base + "/s?wd=" + url.QueryEscape(q) + "&pn=" + strconv.Itoa(page*serpResultsPerPage)
		},
		parse: parseBaidu,
	}
}

func orDefaultClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (p *HTMLSearchProvider) Name() string { return p.name }

// Search fetches up to pages result pages. It fails only when no page could
// be fetched.
func (p *HTMLSearchProvider) Search(ctx context.Context, query string, pages int) ([]SERPResult, error) {
	if pages <= 0 {
		pages = 1
	}
	var out []SERPResult
	var lastErr error
	fetched := 0
	for page := 0; page < pages; page++ {
		doc, err := p.fetch(ctx, p.pageURL(p.baseURL, query, page))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		fetched++
		out = append(out, p.parse(doc)...)
	}
	if fetched == 0 {
		if lastErr == nil {
			lastErr = errors.New("no pages fetched")
		}
		return nil, fmt.Errorf("retrieval: %s search: %w", p.name, lastErr)
	}
	return out, nil
}

func (p *HTMLSearchProvider) fetch(ctx context.Context, pageURL string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", serpUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.6")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return html.Parse(io.LimitReader(resp.Body, maxSERPBytes))
}

// parseBing reads li.b_algo blocks: h2 > a for the link, the caption
// paragraph for the snippet.
func parseBing(doc *html.Node) []SERPResult {
	var out []SERPResult
	for _, li := range findAll(doc, func(n *html.Node) bool { return isElement(n, "li") && hasClass(n, "b_algo") }) {
		var link *html.Node
		for _, h2 := range findAll(li, func(n *html.Node) bool { return isElement(n, "h2") }) {
			if a := findFirst(h2, func(n *html.Node) bool { return isElement(n, "a") && attr(n, "href") != "" }); a != nil {
				link = a
				break
			}
		}
		if link == nil {
			continue
		}
		var snippet string
		if caption := findFirst(li, func(n *html.Node) bool { return isElement(n, "div") && hasClass(n, "b_caption") }); caption != nil {
			if p := findFirst(caption, func(n *html.Node) bool { return isElement(n, "p") }); p != nil {
				snippet = textContent(p)
			}
		}
		if snippet == "" {
			if p := findFirst(li, func(n *html.Node) bool { return isElement(n, "p") }); p != nil {
				snippet = textContent(p)
			}
		}
		out = append(out, SERPResult{Title: textContent(link), URL: attr(link, "href"), Snippet: truncateRunes(snippet, maxSnippetRunes)})
	}
	return out
}

// parseBaidu reads h3 > a[href^=http] links and takes the snippet from the
// first div or p inside the heading's parent.
func parseBaidu(doc *html.Node) []SERPResult {
	var out []SERPResult
	for _, h3 := range findAll(doc, func(n *html.Node) bool { return isElement(n, "h3") }) {
		a := findFirst(h3, func(n *html.Node) bool { return isElement(n, "a") && attr(n, "href") != "" })
		if a == nil || !strings.HasPrefix(attr(a, "href"), "http") {
			continue
		}
		var snippet string
		if parent := h3.Parent; parent != nil {
			block := findFirst(parent, func(n *html.Node) bool { return !isAncestor(h3, n) && isElement(n, "div") })
			if block == nil {
				block = findFirst(parent, func(n *html.Node) bool { return !isAncestor(h3, n) && isElement(n, "p") })
			}
			if block != nil {
				snippet = textContent(block)
			}
		}
		out = append(out, SERPResult{Title: textContent(a), URL: attr(a, "href"), Snippet: truncateRunes(snippet, maxSnippetRunes)})
	}
	return out
}

func isElement(n *html.Node, tag string) bool {
	return n.Type == html.ElementNode && n.Data == tag
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// isAncestor reports whether anc is n or one of n's ancestors.
func isAncestor(anc, n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == anc {
			return true
		}
	}
	return false
}

func findAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n != root && match(n) {
			found = n
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(root)
	return found
}

// textContent joins inline text directly so highlighted terms stay whole;
// block elements are separated by a space.
func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style":
				return
			case "p", "div", "br", "li", "h2", "h3":
				b.WriteByte(' ')
				defer b.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
