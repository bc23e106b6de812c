// Package prompts provides externalized phase instruction templates with
// override support.
package prompts

import "embed"

//go:embed phases/*.md
var embeddedFS embed.FS
