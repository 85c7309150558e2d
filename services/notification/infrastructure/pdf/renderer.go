// Package pdf lays out order summaries as PDF documents using go-pdf/fpdf.
// Content is assembled by the domain; this package only handles layout and
// serialization to an in-memory buffer.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
	"golang.org/x/text/encoding/charmap"

	"github.com/ghuser/notifier/services/notification/domain"
	"github.com/ghuser/notifier/services/notification/domain/events"
	"github.com/ghuser/notifier/services/notification/domain/models"
	domainsvcs "github.com/ghuser/notifier/services/notification/domain/services"
)

const (
	fontFamily  = "Helvetica"
	lineHeight  = 7.0
	cellPadding = 2.0
	ellipsis    = "..."

	// unencodable replaces runes the core fonts cannot draw.
	unencodable = '?'
)

// columnWidths in mm, aligned with domainsvcs.ItemColumns. Sum fits A4 portrait
// inside the default 10 mm margins.
var columnWidths = []float64{20, 40, 60, 25, 20, 25}

// Renderer renders OrderCreatedEvents into PDF attachments.
type Renderer struct {
	now      func() time.Time
	compress bool
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithClock sets the clock used for the document creation date.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) { r.now = now }
}

// WithoutCompression leaves page content streams uncompressed, so document
// text can be inspected in the raw bytes.
func WithoutCompression() Option {
	return func(r *Renderer) { r.compress = false }
}

// NewRenderer returns a Renderer with compression enabled and the system clock.
func NewRenderer(opts ...Option) *Renderer {
	r := &Renderer{now: time.Now, compress: true}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render produces the order summary document for evt. Engine failures are
// wrapped in domain.ErrRender.
func (r *Renderer) Render(ctx context.Context, evt events.OrderCreatedEvent) (*models.RenderedDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRender, err)
	}

	summary := domainsvcs.SummarizeOrder(evt)
	doc := r.layout(summary)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRender, err)
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("%w: order %d: %w", domain.ErrRender, evt.OrderID, err)
	}

	return &models.RenderedDocument{
		Filename:    models.OrderDocumentFilename(evt.OrderID),
		ContentType: models.ContentTypePDF,
		Content:     buf.Bytes(),
	}, nil
}

func (r *Renderer) layout(s domainsvcs.OrderSummary) *fpdf.Fpdf {
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetCompression(r.compress)
	doc.SetCreationDate(r.now().UTC())
	doc.SetTitle(s.Title, true)
	doc.SetAutoPageBreak(true, 15)

	doc.AddPage()

	doc.SetFont(fontFamily, "B", 16)
	doc.CellFormat(0, 10, cp1252(s.Title), "", 1, "C", false, 0, "")
	doc.Ln(2)

	doc.SetFont(fontFamily, "", 11)
	for _, line := range s.Details {
		doc.CellFormat(0, lineHeight, cp1252(line), "", 1, "L", false, 0, "")
	}
	doc.Ln(4)

	doc.SetFont(fontFamily, "B", 12)
	doc.CellFormat(0, 8, cp1252(s.Heading), "", 1, "L", false, 0, "")

	header := func() {
		doc.SetFont(fontFamily, "B", 10)
		doc.SetFillColor(230, 230, 230)
		for i, col := range s.Columns {
			doc.CellFormat(columnWidths[i], lineHeight, fit(doc, cp1252(col), columnWidths[i]), "1", 0, "C", true, 0, "")
		}
		doc.Ln(-1)
		doc.SetFont(fontFamily, "", 10)
	}
	header()

	_, pageHeight := doc.GetPageSize()
	_, _, _, bottom := doc.GetMargins()
	for _, row := range s.Rows {
		if doc.GetY()+lineHeight > pageHeight-bottom {
			doc.AddPage()
			header()
		}
		for i, cell := range row {
			align := "L"
			if i == 0 || i >= 3 {
				align = "R"
			}
			doc.CellFormat(columnWidths[i], lineHeight, fit(doc, cp1252(cell), columnWidths[i]), "1", 0, align, false, 0, "")
		}
		doc.Ln(-1)
	}

	doc.Ln(4)
	doc.SetFont(fontFamily, "B", 12)
	doc.CellFormat(0, 8, cp1252(s.TotalRow), "", 1, "R", false, 0, "")

	return doc
}

// cp1252 encodes s for the core fonts, which index glyphs by Windows-1252
// byte. Runes outside the code page become '?'.
func cp1252(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		b, ok := charmap.Windows1252.EncodeRune(r)
		if !ok {
			b = unencodable
		}
		out = append(out, b)
	}
	return string(out)
}

// fit truncates the cp1252-encoded s with an ellipsis so it fits in a cell of
// the given width. One byte is one glyph, so truncation is bytewise.
func fit(doc *fpdf.Fpdf, s string, width float64) string {
	limit := width - 2*cellPadding
	if doc.GetStringWidth(s) <= limit {
		return s
	}
	for n := len(s) - 1; n >= 0; n-- {
		if t := s[:n] + ellipsis; doc.GetStringWidth(t) <= limit {
			return t
		}
	}
	return ""
}
