package service

import (
	"errors"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/Tgmmmmmmmm/flash-linear-attention/pkg/gla"
)

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func writeJSON(c *echo.Context, status int, v any) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	res.WriteHeader(status)
	return json.NewEncoder(res).Encode(v)
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return writeJSON(c, status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// statusForError sorts engine failures into caller faults and server
// faults. Every validation sentinel the engine returns is caused by the
// request body here, so all of them map to 400.
func statusForError(err error) int {
	switch {
	case errors.Is(err, gla.ErrShapeMismatch),
		errors.Is(err, gla.ErrInvalidLength),
		errors.Is(err, gla.ErrConfiguration),
		errors.Is(err, gla.ErrUnsupportedConfiguration):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeEngineError(c *echo.Context, err error) (int, error) {
	status := statusForError(err)
	errType := "invalid_request_error"
	if status >= http.StatusInternalServerError {
		errType = "server_error"
	}
	return status, writeError(c, status, errType, err.Error(), "", "")
}
