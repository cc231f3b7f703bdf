package receiver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/genropy/mail-proxy/internal/domain"
)

func pecFixture(ricevuta string) string {
	return "From: posta-certificata@pec.example.it\r\n" +
		"X-Ricevuta: " + ricevuta + "\r\n" +
		"Subject: avvenuta consegna\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"X-Genro-Mail-ID: m-7\r\n" +
		"\r\n"
}

func TestParsePECAcceptance(t *testing.T) {
	receipt := parsePEC([]byte(pecFixture("accettazione")))
	assert.Equal(t, "accettazione", receipt.kind)

	eventType, ok := eventForReceipt(receipt)
	assert.True(t, ok)
	assert.Equal(t, domain.EventPECAcceptance, eventType)
}

func TestParsePECDelivery(t *testing.T) {
	receipt := parsePEC([]byte(pecFixture("avvenuta-consegna")))
	eventType, ok := eventForReceipt(receipt)
	assert.True(t, ok)
	assert.Equal(t, domain.EventPECDelivery, eventType)
}

func TestParsePECFailureError(t *testing.T) {
	receipt := parsePEC([]byte(pecFixture("mancata-consegna")))
	eventType, ok := eventForReceipt(receipt)
	assert.True(t, ok)
	assert.Equal(t, domain.EventPECError, eventType)
}

func TestParsePECUnknownRicevutaSkipped(t *testing.T) {
	receipt := parsePEC([]byte(pecFixture("qualcosa-di-strano")))
	_, ok := eventForReceipt(receipt)
	assert.False(t, ok)
}

func TestParsePECWithoutHeaderIsNotPEC(t *testing.T) {
	raw := "From: person@example.com\r\nSubject: hi\r\n\r\nhello\r\n"
	receipt := parsePEC([]byte(raw))
	assert.Empty(t, receipt.kind)
}

func TestParsePECMalformedNeverPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		receipt := parsePEC([]byte("garbage"))
		assert.Empty(t, receipt.kind)
	})
}
