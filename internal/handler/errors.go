package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/gnewsresolver/internal/decoder"
	"github.com/hitoshi/gnewsresolver/internal/middleware"
	"github.com/hitoshi/gnewsresolver/internal/model"
)

// decodeErrorToAPIError はデコード失敗をHTTPステータスとAPIErrorへ変換する。
// 恒久的な失敗と一時的な失敗はRetryableで区別される。
func decodeErrorToAPIError(err error) (int, *model.APIError) {
	var de *decoder.DecodeError
	if !errors.As(err, &de) {
		return http.StatusInternalServerError, model.NewInternalError()
	}

	switch de.Kind {
	case decoder.KindInvalidEncoding, decoder.KindNotRecognized:
		return http.StatusBadRequest, model.NewInvalidTokenError(de.Kind.String())
	case decoder.KindTruncated, decoder.KindNoURLFound:
		return http.StatusUnprocessableEntity, model.NewInvalidTokenError(de.Kind.String())
	case decoder.KindRejected:
		return http.StatusForbidden, model.NewDestinationRejectedError(de.Reason.String(), de.Retryable())
	case decoder.KindNetworkFailure:
		reason := "network failure"
		if de.StatusCode != 0 {
			reason = fmt.Sprintf("HTTP %d", de.StatusCode)
		}
		status := http.StatusBadGateway
		if de.Timeout {
			reason = "timeout"
			status = http.StatusGatewayTimeout
		}
		return status, model.NewResolveFailedError(reason, de.Retryable())
	default:
		return http.StatusInternalServerError, model.NewInternalError()
	}
}

// writeInternalError は詳細をログに記録し、統一フォーマットの500レスポンスを返す。
func writeInternalError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}
