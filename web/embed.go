package web

import "embed"

// Content holds the embedded status page.
//
//go:embed index.html
var Content embed.FS
