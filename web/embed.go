package web

import "embed"

// FS contains the dashboard page, its script and stylesheet.
//
//go:embed *.html *.css *.js
var FS embed.FS
