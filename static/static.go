package static

import "embed"

//go:embed *.html *.js
var Content embed.FS
