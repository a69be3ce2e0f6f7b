// Package middleware holds echo middleware shared by the HTTP routes.
package middleware

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/client"
)

// TwilioParamsKey is the echo context key holding the validated form
// parameters as map[string]string.
const TwilioParamsKey = "twilioParams"

// TwilioAuth validates Twilio webhook signatures. The signed URL is
// baseURL plus the request URI, or https://Host when baseURL is empty.
func TwilioAuth(authToken, baseURL string) echo.MiddlewareFunc {
	validator := client.NewRequestValidator(authToken)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if authToken == "" {
				return c.String(http.StatusInternalServerError, "TWILIO_AUTH_TOKEN not configured")
			}

			req := c.Request()
			bodyBytes, err := io.ReadAll(req.Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to read request body")
			}
			formData, err := url.ParseQuery(string(bodyBytes))
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}
			params := make(map[string]string, len(formData))
			for key, values := range formData {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			signature := req.Header.Get("X-Twilio-Signature")
			if !validator.Validate(signedURL(req, baseURL), params, signature) {
				return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
			}

			c.Set(TwilioParamsKey, params)
			return next(c)
		}
	}
}

func signedURL(req *http.Request, baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://" + req.Host
	}
	return base + req.URL.RequestURI()
}
