// Package document renders refund/invoice documents attached to refund
// notifications.
package document

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

type Kind string

const (
	KindCancellationRefund Kind = "cancellation_refund"
	KindReturnRefund       Kind = "return_refund"
)

type Line struct {
	Name     string
	Quantity int
	Amount   decimal.Decimal
}

// Refund is everything printed on a refund document.
type Refund struct {
	Kind             Kind
	Reference        string
	OrderID          string
	OrderCode        string
	CustomerName     string
	CustomerEmail    string
	Lines            []Line
	OrderTotal       decimal.Decimal
	RefundAmount     decimal.Decimal
	RefundPercentage decimal.Decimal
	RetainedAmount   decimal.Decimal
	IssuedAt         time.Time
}

type Document struct {
	Name        string
	ContentType string
	Path        string
	Data        []byte
}

type Generator interface {
	Generate(ctx context.Context, refund Refund) (*Document, error)
}

// Renderer turns the rendered HTML into the final artifact.
type Renderer interface {
	Render(ctx context.Context, html []byte) ([]byte, error)
	ContentType() string
	Extension() string
}

// Archive stores a copy of a generated document.
type Archive interface {
	Store(ctx context.Context, name string, path string, contentType string) error
}

type HTMLRenderer struct{}

func (HTMLRenderer) Render(_ context.Context, html []byte) ([]byte, error) {
	return html, nil
}

func (HTMLRenderer) ContentType() string { return "text/html; charset=utf-8" }
func (HTMLRenderer) Extension() string   { return ".html" }

type FileGenerator struct {
	dir      string
	renderer Renderer
	archive  Archive
	logger   *zap.Logger
}

func NewFileGenerator(dir string, renderer Renderer, archive Archive, logger *zap.Logger) *FileGenerator {
	if renderer == nil {
		renderer = HTMLRenderer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileGenerator{dir: dir, renderer: renderer, archive: archive, logger: logger.Named("document")}
}

func (g *FileGenerator) Generate(ctx context.Context, refund Refund) (*Document, error) {
	html, err := RenderHTML(refund)
	if err != nil {
		return nil, err
	}
	data, err := g.renderer.Render(ctx, html)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", refund.Reference, err)
	}

	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return nil, fmt.Errorf("document dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s%s", refund.Kind, refund.Reference, g.renderer.Extension())
	path := filepath.Join(g.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write document: %w", err)
	}

	doc := &Document{Name: name, ContentType: g.renderer.ContentType(), Path: path, Data: data}
	if g.archive != nil {
		if err := g.archive.Store(ctx, name, path, doc.ContentType); err != nil {
			g.logger.Warn("archive document failed", zap.String("name", name), zap.Error(err))
		}
	}
	return doc, nil
}

// QRDataURI encodes payload as a PNG QR code usable in an <img src>.
func QRDataURI(payload string) (template.URL, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(png)), nil
}

type view struct {
	Refund
	Title  string
	QRCode template.URL
}

func RenderHTML(refund Refund) ([]byte, error) {
	qr, err := QRDataURI(fmt.Sprintf("REFUND:%s;ORDER:%s;AMOUNT:%s", refund.Reference, refund.OrderCode, refund.RefundAmount.StringFixed(2)))
	if err != nil {
		return nil, fmt.Errorf("qr code: %w", err)
	}
	title := "Cancellation refund"
	if refund.Kind == KindReturnRefund {
		title = "Return refund"
	}

	var buf bytes.Buffer
	if err := refundTemplate.Execute(&buf, view{Refund: refund, Title: title, QRCode: qr}); err != nil {
		return nil, fmt.Errorf("refund template: %w", err)
	}
	return buf.Bytes(), nil
}

var refundTemplate = template.Must(template.New("refund").Funcs(template.FuncMap{
	"money": func(d decimal.Decimal) string { return d.StringFixed(2) },
	"date":  func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04 MST") },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>{{.Title}} {{.Reference}}</title></head>
<body style="font-family: Arial, sans-serif; padding: 24px;">
  <h2>{{.Title}}</h2>
  <p>Reference <strong>{{.Reference}}</strong><br>Order {{.OrderCode}}<br>Issued {{date .IssuedAt}}</p>
  <p>{{.CustomerName}} &lt;{{.CustomerEmail}}&gt;</p>
  <table style="width: 100%; border-collapse: collapse;">
    <thead><tr><th align="left">Item</th><th align="right">Qty</th><th align="right">Amount</th></tr></thead>
    <tbody>
    {{- range .Lines}}
      <tr><td>{{.Name}}</td><td align="right">{{.Quantity}}</td><td align="right">{{money .Amount}}</td></tr>
    {{- end}}
    </tbody>
  </table>
  <p>Order total: {{money .OrderTotal}}<br>
  {{- if not .RefundPercentage.IsZero}}Refund percentage: {{.RefundPercentage.String}}%<br>{{end}}
  Refund amount: <strong>{{money .RefundAmount}}</strong><br>
  Retained amount: {{money .RetainedAmount}}</p>
  <img alt="refund reference" src="{{.QRCode}}" width="160" height="160">
</body>
</html>
`))
