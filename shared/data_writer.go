package shared

import (
	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

var jsonAPI = sonic.Config{
	UseNumber:            true,
	EscapeHTML:           false,
	SortMapKeys:          false,
	CompactMarshaler:     true,
	NoQuoteTextMarshaler: true,
	NoNullSliceOrMap:     true,
}.Froze()

var (
	successResponse         = mustMarshal(Response{Code: 200, Message: "Success"})
	notFoundResponse        = mustMarshal(Response{Code: 404, Message: "Not Found"})
	unauthorizedResponse    = mustMarshal(Response{Code: 401, Message: "Unauthorized"})
	forbiddenResponse       = mustMarshal(Response{Code: 403, Message: "Forbidden"})
	tooManyRequestsResponse = mustMarshal(Response{Code: 429, Message: "Too Many Requests"})
	internalErrorResponse   = mustMarshal(Response{Code: 500, Message: "Internal Server Error"})
)

func mustMarshal(v interface{}) []byte {
	b, _ := jsonAPI.Marshal(v)
	return b
}

// Marshal encodes v with the shared sonic configuration.
func Marshal(v interface{}) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

// Unmarshal decodes data with the shared sonic configuration.
func Unmarshal(data []byte, v interface{}) error {
	return jsonAPI.Unmarshal(data, v)
}

func ResponseJSON(c *fiber.Ctx, httpCode int, message string, data interface{}) error {
	if data == nil {
		var cached []byte
		switch {
		case httpCode == 200 && message == "Success":
			cached = successResponse
		case httpCode == 404 && message == "Not Found":
			cached = notFoundResponse
		case httpCode == 401 && message == "Unauthorized":
			cached = unauthorizedResponse
		case httpCode == 403 && message == "Forbidden":
			cached = forbiddenResponse
		case httpCode == 429 && message == "Too Many Requests":
			cached = tooManyRequestsResponse
		case httpCode == 500 && message == "Internal Server Error":
			cached = internalErrorResponse
		}
		if cached != nil {
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSONCharsetUTF8)
			return c.Status(httpCode).Send(cached)
		}
	}

	return ResponseRaw(c, httpCode, Response{
		Code:    httpCode,
		Message: message,
		Data:    data,
	})
}

// ResponseRaw writes data as the whole JSON body, without the Response envelope.
func ResponseRaw(c *fiber.Ctx, httpCode int, data interface{}) error {
	body, err := jsonAPI.Marshal(data)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSONCharsetUTF8)
	return c.Status(httpCode).Send(body)
}

func ResponseOK(c *fiber.Ctx, data interface{}) error {
	return ResponseJSON(c, 200, "Success", data)
}

func ResponseNotFound(c *fiber.Ctx) error {
	return ResponseJSON(c, 404, "Not Found", nil)
}

func ResponseUnauthorized(c *fiber.Ctx) error {
	return ResponseJSON(c, 401, "Unauthorized", nil)
}

func ResponseForbidden(c *fiber.Ctx) error {
	return ResponseJSON(c, 403, "Forbidden", nil)
}

func ResponseInternalError(c *fiber.Ctx, err error) error {
	return ResponseJSON(c, 500, "Internal Server Error", err.Error())
}
