package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"mediaqgo/internal/models"
)

const (
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	requestTimeout = 15 * time.Second
)

var (
	ErrNoTitle = errors.New("page has no title")

	watchIDPattern = regexp.MustCompile(`youtube\.com/watch\?v=([a-zA-Z0-9_-]{11})`)
	anyIDPattern   = regexp.MustCompile(`(?:youtube\.com/watch\?v=|youtu\.be/|youtube\.com/shorts/)([a-zA-Z0-9_-]{11})`)

	trackingParams = []string{"&start_radio=", "&feature=", "&ab_channel="}
)

// CleanYouTubeURL drops playlist context from a watch URL so only the single
// video is fetched. Other URLs are returned unchanged.
func CleanYouTubeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if before, _, found := strings.Cut(raw, "&list="); found {
		return before
	}
	for _, param := range trackingParams {
		if !strings.Contains(raw, param) {
			continue
		}
		if m := watchIDPattern.FindStringSubmatch(raw); m != nil {
			return "https://www.youtube.com/watch?v=" + m[1]
		}
		break
	}
	return raw
}

// VideoID returns the YouTube id in raw, or "" when there is none.
func VideoID(raw string) string {
	if m := anyIDPattern.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return ""
}

// ListEntry is one candidate line of a pasted URL list, already cleaned.
type ListEntry struct {
	Line int    `json:"line"`
	URL  string `json:"url"`
}

// SplitURLList returns the non-empty lines of text that are not # comments,
// each passed through CleanYouTubeURL. Line numbers start at 1.
func SplitURLList(text string) []ListEntry {
	var entries []ListEntry
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, ListEntry{Line: i + 1, URL: CleanYouTubeURL(line)})
	}
	return entries
}

func Placeholder(source string) string {
	return models.Placeholder(source)
}

// Resolver looks up a human title for a media page.
type Resolver struct {
	client *http.Client
}

func NewResolver(client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &Resolver{client: client}
}

func (r *Resolver) Title(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch page: %s", res.Status)
	}

	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}

	title, _ := doc.Find(`meta[property="og:title"]`).First().Attr("content")
	if strings.TrimSpace(title) == "" {
		title = doc.Find("title").First().Text()
	}
	title = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(title), "- YouTube"))
	if title == "" || title == "YouTube" {
		return "", ErrNoTitle
	}
	return title, nil
}

// TitleOrPlaceholder never fails: lookup errors fall back to the placeholder.
func (r *Resolver) TitleOrPlaceholder(ctx context.Context, pageURL string) string {
	title, err := r.Title(ctx, pageURL)
	if err != nil {
		slog.Warn("Title lookup failed", "url", pageURL, "error", err)
		return Placeholder(pageURL)
	}
	return title
}
