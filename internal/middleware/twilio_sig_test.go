package middleware

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

func sign(token, fullURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func serve(t *testing.T, mw echo.MiddlewareFunc, form url.Values, signature string) (*httptest.ResponseRecorder, map[string]string) {
	t.Helper()
	e := echo.New()
	var got map[string]string
	e.POST("/twilio/voice", func(c echo.Context) error {
		got, _ = c.Get(TwilioParamsKey).(map[string]string)
		return c.NoContent(http.StatusOK)
	}, mw)

	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader(form.Encode()))
	req.Host = "voice.example.com"
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec, got
}

func TestTwilioAuth(t *testing.T) {
	form := url.Values{"CallSid": {"CA1"}, "From": {"+15550001111"}}
	params := map[string]string{"CallSid": "CA1", "From": "+15550001111"}

	t.Run("valid signature on request host", func(t *testing.T) {
		sig := sign("tok", "https://voice.example.com/twilio/voice", params)
		rec, got := serve(t, TwilioAuth("tok", ""), form, sig)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "CA1", got["CallSid"])
	})

	t.Run("valid signature on public base url", func(t *testing.T) {
		sig := sign("tok", "https://public.example.org/twilio/voice", params)
		rec, _ := serve(t, TwilioAuth("tok", "https://public.example.org/"), form, sig)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong signature", func(t *testing.T) {
		sig := sign("other", "https://voice.example.com/twilio/voice", params)
		rec, _ := serve(t, TwilioAuth("tok", ""), form, sig)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing signature", func(t *testing.T) {
		rec, _ := serve(t, TwilioAuth("tok", ""), form, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("token not configured", func(t *testing.T) {
		rec, _ := serve(t, TwilioAuth("", ""), form, "x")
		require.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
