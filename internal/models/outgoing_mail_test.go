package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutgoingMailRecipients(t *testing.T) {
	m := &OutgoingMail{ID: "m1"}
	m.AddRecipient(RecipientTo, "bob@example.org", "Bob")
	m.AddRecipient(RecipientCc, "carol@example.org", "")
	m.AddRecipient(RecipientBcc, "bob@example.org", "")

	require.Len(t, m.Recipients, 3)
	assert.Equal(t, "m1", m.Recipients[2].MailID)
	assert.Equal(t, 3, m.Recipients[2].Idx)

	assert.Len(t, m.RecipientsOf(RecipientTo), 1)
	assert.Len(t, m.RecipientsOf(""), 3)
	assert.Equal(t, []string{"bob@example.org", "carol@example.org"}, m.RecipientEmails())
}

func TestOutgoingMailState(t *testing.T) {
	m := &OutgoingMail{}
	assert.True(t, m.IsDraft())
	assert.False(t, m.IsSubmitted())

	m.DocStatus = DocStatusSubmitted
	assert.False(t, m.IsDraft())
	assert.True(t, m.IsSubmitted())

	m.AddCustomHeader("X-Campaign", "spring")
	require.Len(t, m.CustomHeaders, 1)
	assert.Equal(t, 1, m.CustomHeaders[0].Idx)
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", DomainOf("Alice@Example.COM"))
	assert.Equal(t, "b.example", DomainOf("weird@name@b.example"))
	assert.Empty(t, DomainOf("no-at-sign"))
}
