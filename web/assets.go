// Package webassets embeds the pages shown to people who follow an ack link.
package webassets

import "embed"

//go:embed templates
var Files embed.FS
