package facebook

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"minichat/internal/domain"
)

const samplePayload = `{
  "object": "page",
  "entry": [{
    "id": "page-1",
    "time": 1700000000000,
    "messaging": [
      {"sender":{"id":"psid-1"},"recipient":{"id":"page-1"},"timestamp":1700000000123,
       "message":{"mid":"m_1","text":"hello"}},
      {"sender":{"id":"psid-1"},"recipient":{"id":"page-1"},"timestamp":1700000000200,
       "delivery":{"mids":["m_0"]}},
      {"sender":{"id":"page-1"},"recipient":{"id":"psid-1"},"timestamp":1700000000300,
       "message":{"mid":"m_2","text":"echo","is_echo":true}},
      {"sender":{"id":"psid-1"},"recipient":{"id":"page-1"},"timestamp":1700000000400,
       "message":{"mid":"m_3","attachments":[{"type":"image","payload":{"url":"https://cdn.example.com/x.jpg"}},{"type":"fallback","payload":{}}]}}
    ]
  }]
}`

func TestParseWebhook_Messages(t *testing.T) {
	p, err := ParseWebhook([]byte(samplePayload))
	require.NoError(t, err)
	require.Equal(t, ObjectPage, p.Object)

	msgs := p.Messages()
	require.Len(t, msgs, 3)

	require.Equal(t, InboundMessage{
		PageID:      "page-1",
		SenderID:    "psid-1",
		RecipientID: "page-1",
		MID:         "m_1",
		Text:        "hello",
		Timestamp:   time.UnixMilli(1700000000123).UTC(),
	}, msgs[0])
	require.True(t, msgs[1].IsEcho)
	require.Equal(t, []domain.Attachment{{Type: "image", URL: "https://cdn.example.com/x.jpg"}}, msgs[2].Attachments)
}

func TestParseWebhook_Malformed(t *testing.T) {
	_, err := ParseWebhook([]byte(`{"entry":`))
	require.ErrorContains(t, err, "decode webhook")
}

func TestVerifyChallenge(t *testing.T) {
	got, ok := VerifyChallenge("subscribe", "secret", "12345", "secret")
	require.True(t, ok)
	require.Equal(t, "12345", got)

	_, ok = VerifyChallenge("subscribe", "wrong", "12345", "secret")
	require.False(t, ok)
	_, ok = VerifyChallenge("unsubscribe", "secret", "12345", "secret")
	require.False(t, ok)
	_, ok = VerifyChallenge("subscribe", "", "12345", "")
	require.False(t, ok, "an unset verify token never matches")
}

func TestVerifySignature(t *testing.T) {
	body := []byte(samplePayload)
	header := "sha256=" + hex.EncodeToString(Sign("app-secret", body))

	require.True(t, VerifySignature("app-secret", body, header))
	require.False(t, VerifySignature("other-secret", body, header))
	require.False(t, VerifySignature("app-secret", []byte("tampered"), header))
	require.False(t, VerifySignature("app-secret", body, "sha1=abc"))
	require.False(t, VerifySignature("app-secret", body, "sha256=zz"))
}
