package api

import (
	"errors"
	"net/http"

	"hookd/internal/master/scheduler"
	"hookd/internal/registry"
	"hookd/pkg/store"

	"github.com/labstack/echo/v4"
)

// reply 是所有 /api/v1 接口的返回格式
type reply struct {
	Success bool        `json:"success"`
	Data    any         `json:"data"`
	Error   *replyError `json:"error"`
}

type replyError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// errorCodes 哨兵错误到 HTTP 状态码和错误码的映射，按顺序匹配
var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{store.ErrNodeNotFound, http.StatusNotFound, "NOT_FOUND"},
	{store.ErrDuplicateAddress, http.StatusConflict, "DUPLICATE_ADDRESS"},
	{scheduler.ErrClaimConflict, http.StatusConflict, "STATUS_CONFLICT"},
	{store.ErrStatusConflict, http.StatusConflict, "STATUS_CONFLICT"},
	{scheduler.ErrDispatchUnavailable, http.StatusServiceUnavailable, "DISPATCH_UNAVAILABLE"},
	{registry.ErrInvalidCount, http.StatusBadRequest, "INVALID_INPUT"},
}

func ok(c echo.Context, status int, data any) error {
	return c.JSON(status, reply{Success: true, Data: data})
}

func badRequest(c echo.Context, message string) error {
	return errorReply(c, http.StatusBadRequest, "INVALID_INPUT", message)
}

// fail 按错误类型选状态码，未知错误视为存储故障
func fail(c echo.Context, err error) error {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return errorReply(c, ec.status, ec.code, err.Error())
		}
	}
	return errorReply(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
}

func errorReply(c echo.Context, status int, code, message string) error {
	return c.JSON(status, reply{
		Error: &replyError{
			Code:      code,
			Message:   message,
			RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
		},
	})
}
