package chatturn

import "embed"

// TemplateFS contains the embedded HTML templates used to export conversation transcripts.
//
//go:embed templates/*
var TemplateFS embed.FS
