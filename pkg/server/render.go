package server

import (
	"html/template"
	"io"
)

// LinkRenderer renders the upload link page browsers receive after a
// successful upload. Full template and translation stacks live outside
// the server core; this interface is their seam.
type LinkRenderer interface {
	RenderUploadLink(w io.Writer, appName, uploadURL string) error
}

const linkPageTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.AppName}}</title>
</head>
<body>
<p>Your file is available at:</p>
<p><a href="/{{.UploadURL}}" id="upload-link">{{.UploadURL}}</a></p>
<p>The link will stop working once the upload expires.</p>
</body>
</html>
`

type htmlLinkRenderer struct {
	tmpl *template.Template
}

// NewHTMLLinkRenderer returns the built-in minimal link page.
func NewHTMLLinkRenderer() LinkRenderer {
	return &htmlLinkRenderer{
		tmpl: template.Must(template.New("upload-link").Parse(linkPageTemplate)),
	}
}

func (r *htmlLinkRenderer) RenderUploadLink(w io.Writer, appName, uploadURL string) error {
	return r.tmpl.Execute(w, struct {
		AppName   string
		UploadURL string
	}{AppName: appName, UploadURL: uploadURL})
}
