package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// ErrUnsupportedFormat is returned for files the loaders cannot read.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// LoadFile reads the document at path and returns its title and plain text.
// The title is the file name without extension.
func LoadFile(path string) (title, text string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("reading %s: %w", path, err)
	}
	text, err = Extract(filepath.Base(path), data)
	if err != nil {
		return "", "", err
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base)), text, nil
}

// Extract converts data to plain text based on the extension of name.
func Extract(name string, data []byte) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".txt", ".md", ".markdown", "":
		return string(data), nil
	case ".html", ".htm":
		return htmlText(bytes.NewReader(data))
	case ".pdf":
		return pdfText(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

var skipElements = map[string]bool{"script": true, "style": true, "noscript": true, "head": true, "template": true}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "table": true, "ul": true, "ol": true,
}

func htmlText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
				sb.WriteString(s)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			sb.WriteString("\n\n")
		}
	}
	walk(doc)

	// Normalize the paragraph breaks the walk produced.
	var paras []string
	for _, p := range strings.Split(sb.String(), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	return strings.Join(paras, "\n\n"), nil
}

// pdfText joins the plain text of every readable page, one paragraph per
// page. Pages that fail to decode are skipped.
func pdfText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}
