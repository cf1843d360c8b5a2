package api

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedHeader(secret string, at time.Time, body []byte) http.Header {
	ts := strconv.FormatInt(at.Unix(), 10)
	h := http.Header{}
	h.Set(headerTimestamp, ts)
	h.Set(headerSignature, Sign([]byte(secret), ts, body))
	return h
}

func TestSignatureValidator(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	body := []byte(`{"event":"calendar.sync_events"}`)

	v := NewSignatureValidator("s3cret", 5*time.Minute)
	require.NotNil(t, v)
	v.now = func() time.Time { return now }

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, v.Validate(signedHeader("s3cret", now.Add(-time.Minute), body), body))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.ErrorIs(t, v.Validate(signedHeader("other", now, body), body), errBadSignature)
	})

	t.Run("tampered body", func(t *testing.T) {
		h := signedHeader("s3cret", now, body)
		assert.ErrorIs(t, v.Validate(h, []byte(`{"event":"calendar.update"}`)), errBadSignature)
	})

	t.Run("stale", func(t *testing.T) {
		assert.ErrorIs(t, v.Validate(signedHeader("s3cret", now.Add(-6*time.Minute), body), body), errStaleTimestamp)
		assert.ErrorIs(t, v.Validate(signedHeader("s3cret", now.Add(6*time.Minute), body), body), errStaleTimestamp)
	})

	t.Run("missing headers", func(t *testing.T) {
		h := signedHeader("s3cret", now, body)
		h.Del(headerSignature)
		assert.ErrorIs(t, v.Validate(h, body), errMissingSignature)

		h = signedHeader("s3cret", now, body)
		h.Del(headerTimestamp)
		assert.ErrorIs(t, v.Validate(h, body), errMissingTimestamp)
	})

	t.Run("garbage timestamp", func(t *testing.T) {
		h := signedHeader("s3cret", now, body)
		h.Set(headerTimestamp, "yesterday")
		assert.Error(t, v.Validate(h, body))
	})
}

func TestSignatureValidatorDisabled(t *testing.T) {
	v := NewSignatureValidator("", time.Minute)
	assert.Nil(t, v)
	assert.NoError(t, v.Validate(http.Header{}, []byte("anything")))
}

func TestSignFormat(t *testing.T) {
	sig := Sign([]byte("k"), "1700000000", []byte("{}"))
	assert.Regexp(t, `^v1=[0-9a-f]{64}$`, sig)
	assert.Equal(t, sig, Sign([]byte("k"), "1700000000", []byte("{}")))
}

func TestDeliveryID(t *testing.T) {
	h := http.Header{}
	assert.Empty(t, deliveryID(h))

	h.Set(headerSignature, "v1=abc")
	assert.Equal(t, "v1=abc", deliveryID(h))

	h.Set(headerDelivery, "msg_1")
	assert.Equal(t, "msg_1", deliveryID(h))
}
