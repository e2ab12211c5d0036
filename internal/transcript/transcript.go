// Package transcript renders a conversation as a standalone HTML page.
package transcript

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/chatturn"
	"github.com/MegaGrindStone/chatturn/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
)

// Renderer turns conversation messages into HTML. Message text is treated as markdown and fenced code
// blocks are syntax highlighted.
type Renderer struct {
	templates *template.Template
	markdown  goldmark.Markdown
}

type page struct {
	Title          string
	ConversationID int64
	CreatedAt      time.Time
	Messages       []message
}

type message struct {
	ID     string
	Role   models.Role
	Body   template.HTML
	Images []template.URL
}

const defaultTitle = "Conversation"

// NewRenderer parses the embedded transcript template. style names the chroma style used for code blocks.
func NewRenderer(style string) (Renderer, error) {
	tmpl, err := template.ParseFS(chatturn.TemplateFS, "templates/transcript.html")
	if err != nil {
		return Renderer{}, fmt.Errorf("failed to parse transcript template: %w", err)
	}
	if style == "" {
		style = "github"
	}

	return Renderer{
		templates: tmpl,
		markdown: goldmark.New(
			goldmark.WithExtensions(highlighting.NewHighlighting(highlighting.WithStyle(style))),
		),
	}, nil
}

// Render writes the transcript of conv to w. Raw HTML in message text is escaped by goldmark's default
// renderer, so the output is safe to open in a browser.
func (r Renderer) Render(w io.Writer, conv models.Conversation, msgs []models.ChatMessage) error {
	p := page{
		Title:          conv.Title,
		ConversationID: conv.ID,
		CreatedAt:      conv.CreatedAt,
		Messages:       make([]message, 0, len(msgs)),
	}
	if strings.TrimSpace(p.Title) == "" {
		p.Title = defaultTitle
	}

	for _, msg := range msgs {
		var buf bytes.Buffer
		if err := r.markdown.Convert([]byte(msg.Text), &buf); err != nil {
			return fmt.Errorf("failed to render message %s: %w", msg.ID, err)
		}

		m := message{
			ID:   msg.ID,
			Role: msg.Role,
			Body: template.HTML(buf.String()),
		}
		for _, img := range msg.Images {
			m.Images = append(m.Images, imageURL(img))
		}
		p.Messages = append(p.Messages, m)
	}

	if err := r.templates.ExecuteTemplate(w, "transcript", p); err != nil {
		return fmt.Errorf("failed to execute transcript template: %w", err)
	}
	return nil
}

// imageURL returns a base64 payload as a data URL, keeping payloads that already are one.
func imageURL(payload string) template.URL {
	if strings.HasPrefix(payload, "data:") {
		return template.URL(payload)
	}

	mediaType := "application/octet-stream"
	if data, err := base64.StdEncoding.DecodeString(payload); err == nil {
		mediaType = http.DetectContentType(data)
	}
	return template.URL("data:" + mediaType + ";base64," + payload)
}
