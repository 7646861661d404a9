package export

import (
	"bytes"
	"embed"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
)

//go:embed templates/*
var templateFS embed.FS

var (
	htmlTemplate     *htmltemplate.Template
	markdownTemplate *texttemplate.Template
)

func init() {
	formatDate := func(t time.Time, layout string) string {
		return t.Format(layout)
	}
	htmlTemplate = htmltemplate.Must(htmltemplate.New("branch.html").
		Funcs(htmltemplate.FuncMap{"formatDate": formatDate}).
		ParseFS(templateFS, "templates/branch.html"))
	markdownTemplate = texttemplate.Must(texttemplate.New("branch.md").
		Funcs(texttemplate.FuncMap{"formatDate": formatDate, "join": strings.Join}).
		ParseFS(templateFS, "templates/branch.md"))
}

// Render produces the branch in the requested format.
func Render(doc Document, format Format) (*Result, error) {
	if doc.ExportedAt.IsZero() {
		doc.ExportedAt = time.Now().UTC()
	}
	var buf bytes.Buffer
	switch format {
	case FormatMarkdown:
		if err := markdownTemplate.Execute(&buf, doc); err != nil {
			return nil, err
		}
		return &Result{
			Filename:    filename(doc, "md"),
			ContentType: "text/markdown; charset=utf-8",
			Data:        bytes.TrimSpace(buf.Bytes()),
		}, nil
	case FormatHTML:
		if err := htmlTemplate.Execute(&buf, doc); err != nil {
			return nil, err
		}
		return &Result{
			Filename:    filename(doc, "html"),
			ContentType: "text/html; charset=utf-8",
			Data:        buf.Bytes(),
		}, nil
	default:
		return nil, ErrUnsupportedFormat
	}
}

func filename(doc Document, ext string) string {
	base := slug(doc.Story.Title)
	if !doc.Branch.IsMain {
		base += "-" + slug(doc.Branch.Title)
	}
	if base == "" || base == "-" {
		base = doc.Branch.ID
	}
	return base + "." + ext
}

func slug(value string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
