package document

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRefund() Refund {
	return Refund{
		Kind:             KindCancellationRefund,
		Reference:        "rf-123",
		OrderID:          "ord-1",
		OrderCode:        "ORD-1001",
		CustomerName:     "Dana <script>",
		CustomerEmail:    "dana@example.com",
		Lines:            []Line{{Name: "Runner Shoes", Quantity: 1, Amount: decimal.RequireFromString("999.99")}},
		OrderTotal:       decimal.RequireFromString("999.99"),
		RefundAmount:     decimal.RequireFromString("649.99"),
		RefundPercentage: decimal.NewFromInt(65),
		RetainedAmount:   decimal.RequireFromString("350.00"),
		IssuedAt:         time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRenderHTMLIncludesAmountsAndQRCode(t *testing.T) {
	html, err := RenderHTML(sampleRefund())
	require.NoError(t, err)

	out := string(html)
	assert.Contains(t, out, "Cancellation refund")
	assert.Contains(t, out, "649.99")
	assert.Contains(t, out, "350.00")
	assert.Contains(t, out, "65%")
	assert.Contains(t, out, `src="data:image/png;base64,`)
	assert.NotContains(t, out, "<script>", "customer data must be escaped")
}

type recordingArchive struct {
	names []string
	err   error
}

func (a *recordingArchive) Store(_ context.Context, name string, _ string, _ string) error {
	a.names = append(a.names, name)
	return a.err
}

func TestFileGeneratorWritesAndArchives(t *testing.T) {
	archive := &recordingArchive{err: errors.New("bucket offline")}
	gen := NewFileGenerator(t.TempDir(), nil, archive, nil)

	doc, err := gen.Generate(context.Background(), sampleRefund())
	require.NoError(t, err, "archive failures are not fatal")

	assert.Equal(t, "cancellation_refund-rf-123.html", doc.Name)
	assert.True(t, strings.HasPrefix(doc.ContentType, "text/html"))
	onDisk, err := os.ReadFile(doc.Path)
	require.NoError(t, err)
	assert.Equal(t, doc.Data, onDisk)
	assert.Equal(t, []string{doc.Name}, archive.names)
}
