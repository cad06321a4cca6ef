package handlers

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/framegen/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response /version 与错误响应共用的信封；/generate 成功时直接返回帧
type Response struct {
	Success   bool        `json:"success"`
	Data      any         `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息。retryable 告诉调用方同一请求稍后重发是否可能成功
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 以 status 写出 data。状态码先于正文发出，编码失败只会截断正文
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 把 data 包进 Response 信封，状态 200
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError 按错误码（或显式 HTTPStatus）写出错误信封。
// 5xx 记 Error，其余记 Warn；request_id 取自 RequestID 中间件设置的响应头。
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}
	requestID := w.Header().Get("X-Request-ID")

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
		}
		if requestID != "" {
			fields = append(fields, zap.String("request_id", requestID))
		}
		if err.Backend != "" {
			fields = append(fields, zap.String("backend", err.Backend))
		}
		if err.Cause != nil {
			fields = append(fields, zap.Error(err.Cause))
		}
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
		} else {
			logger.Warn("request rejected", fields...)
		}
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(err.Code),
			Message:   err.Message,
			Retryable: err.Retryable,
		},
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

// WriteErrorMessage 不经 types.Error 构造直接写出错误，供中间件使用
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	err := types.NewError(code, message).WithHTTPStatus(status)
	WriteError(w, err, logger)
}

// WriteServiceError 写入任意错误：错误链中的 types.Error 按错误码映射，其余视为内部错误
func WriteServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if e, ok := types.AsError(err); ok {
		WriteError(w, e, logger)
		return
	}
	WriteError(w, types.NewError(types.ErrInternalError, "internal error").WithCause(err), logger)
}

// =============================================================================
// 🔄 错误码 -> HTTP 状态码
// =============================================================================

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest, types.ErrInvalidImage:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrMethodNotAllow:
		return http.StatusMethodNotAllowed
	case types.ErrPayloadTooBig:
		return http.StatusRequestEntityTooLarge
	case types.ErrNoFaceDetected, types.ErrContentFiltered:
		return http.StatusUnprocessableEntity
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case types.ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrUpstreamError:
		return http.StatusBadGateway
	default:
		// MODEL_NOT_LOADED、ADAPTER_MISMATCH、INTERNAL_ERROR 以及未知错误码
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求体
// =============================================================================

// DecodeJSONBody 严格解码请求体到 dst，未知字段视为错误。
// 失败时已写出错误响应，调用方只需返回。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil {
		err := types.NewError(types.ErrInvalidRequest, "request body is empty")
		WriteError(w, err, logger)
		return err
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apiErr := types.Errorf(types.ErrPayloadTooBig, "request body exceeds %d bytes", maxErr.Limit).
				WithHTTPStatus(http.StatusRequestEntityTooLarge)
			WriteError(w, apiErr, logger)
			return apiErr
		}
		apiErr := types.NewError(types.ErrInvalidRequest, "invalid JSON body").
			WithCause(err).
			WithHTTPStatus(http.StatusBadRequest)
		WriteError(w, apiErr, logger)
		return apiErr
	}

	return nil
}

// ValidateContentType 验证 Content-Type，未设置时按 JSON 处理
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || (mediaType != "application/json" && !strings.HasSuffix(mediaType, "+json")) {
		err := types.NewError(types.ErrInvalidRequest, "Content-Type must be application/json")
		WriteError(w, err, logger)
		return false
	}
	return true
}

// =============================================================================
// 📊 状态码与字节数记录
// =============================================================================

// ResponseWriter 记录实际发出的状态码与正文字节数，供日志、指标与 tracing 中间件读取
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Bytes      int64
	Written    bool
}

// NewResponseWriter 包装 w，未显式写头时状态码视为 200
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader 只有第一次调用生效
func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.Written {
		return
	}
	rw.StatusCode = code
	rw.Written = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += int64(n)
	return n, err
}
