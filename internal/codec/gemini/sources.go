package gemini

import (
	"path"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
)

// source is a normalized grounding citation.
type source struct {
	SourceType string `json:"sourceType"`
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	MediaType  string `json:"mediaType,omitempty"`
	Filename   string `json:"filename,omitempty"`
}

func (s source) key() string {
	if s.SourceType == "url" {
		return stream.URLKey(s.URL)
	}
	return stream.DocumentKey(s.URL, s.Title)
}

// extractSources normalizes groundingMetadata.groundingChunks.
func extractSources(grounding gjson.Result) []source {
	var out []source
	grounding.Get("groundingChunks").ForEach(func(_, chunk gjson.Result) bool {
		switch {
		case chunk.Get("web").Exists():
			web := chunk.Get("web")
			if uri := web.Get("uri").String(); uri != "" {
				out = append(out, source{SourceType: "url", URL: uri, Title: web.Get("title").String()})
			}
		case chunk.Get("retrievedContext").Exists():
			if s, ok := retrievedSource(chunk.Get("retrievedContext")); ok {
				out = append(out, s)
			}
		case chunk.Get("maps").Exists():
			maps := chunk.Get("maps")
			if uri := maps.Get("uri").String(); uri != "" {
				out = append(out, source{SourceType: "url", URL: uri, Title: maps.Get("title").String()})
			}
		}
		return true
	})
	return out
}

func retrievedSource(rc gjson.Result) (source, bool) {
	title := rc.Get("title").String()
	if uri := rc.Get("uri").String(); uri != "" {
		if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
			return source{SourceType: "url", URL: uri, Title: title}, true
		}
		return source{
			SourceType: "document",
			URL:        uri,
			Title:      title,
			MediaType:  mediaTypeFor(uri),
			Filename:   path.Base(uri),
		}, true
	}
	if store := rc.Get("fileSearchStore").String(); store != "" {
		return source{
			SourceType: "document",
			URL:        store,
			Title:      title,
			MediaType:  "application/octet-stream",
			Filename:   path.Base(store),
		}, true
	}
	return source{}, false
}

func mediaTypeFor(uri string) string {
	switch strings.ToLower(path.Ext(uri)) {
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".html", ".htm":
		return "text/html"
	case ".md":
		return "text/markdown"
	default:
		return "application/octet-stream"
	}
}
