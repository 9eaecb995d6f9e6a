package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderKeepsMessagesAndReturnsErr(t *testing.T) {
	rec := &Recorder{}
	require.NoError(t, rec.Send(context.Background(), Message{To: "a@example.com", Subject: "one"}))

	rec.Err = errors.New("smtp down")
	assert.Error(t, rec.Send(context.Background(), Message{To: "a@example.com", Subject: "two"}))

	msgs := rec.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[1].Subject)
}

func TestSMTPNotifierBuildsMessageWithAttachment(t *testing.T) {
	n, err := NewSMTPNotifier(SMTPConfig{Host: "localhost", Port: 2525, From: "shop@example.com"})
	require.NoError(t, err)

	m, err := n.build(Message{
		To:          "customer@example.com",
		Subject:     "Refund processed",
		HTMLBody:    "<p>done</p>",
		Attachments: []Attachment{{Name: "refund.html", Data: []byte("<html></html>")}},
	})
	require.NoError(t, err)
	assert.Len(t, m.GetAttachments(), 1)
}

func TestSMTPNotifierRejectsBadRecipient(t *testing.T) {
	n, err := NewSMTPNotifier(SMTPConfig{Host: "localhost", Port: 2525, From: "shop@example.com"})
	require.NoError(t, err)

	_, err = n.build(Message{To: "not an address"})
	assert.Error(t, err)
}
