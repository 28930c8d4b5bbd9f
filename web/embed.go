// Package web holds the page templates and static assets, embedded into the
// server binary.
package web

import "embed"

// TemplatesFS contains the page and the htmx partials.
//go:embed templates/*.html
var TemplatesFS embed.FS

// StaticFS contains the stylesheet and the page script.
//go:embed static/*
var StaticFS embed.FS
