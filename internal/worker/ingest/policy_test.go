package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/gnewsresolver/internal/model"
)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   FetchResult
	}{
		{200, FetchResultOK},
		{304, FetchResultNotModified},
		{401, FetchResultStop},
		{403, FetchResultStop},
		{404, FetchResultStop},
		{410, FetchResultStop},
		{429, FetchResultBackoff},
		{500, FetchResultBackoff},
		{503, FetchResultBackoff},
		{301, FetchResultUnknown},
		{418, FetchResultUnknown},
	}

	for _, tt := range tests {
		if got := ClassifyHTTPStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		errors int
		want   time.Duration
	}{
		{0, 15 * time.Minute},
		{1, 30 * time.Minute},
		{2, time.Hour},
		{4, 4 * time.Hour},
		{5, 6 * time.Hour},
		{100, 6 * time.Hour},
	}

	for _, tt := range tests {
		if got := CalculateBackoff(tt.errors); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.errors, got, tt.want)
		}
	}
}

func TestApplyStopFeed(t *testing.T) {
	feed := &model.Feed{ID: "feed-1", FetchStatus: model.FetchStatusActive}

	ApplyStopFeed(feed, "HTTP 404")

	if feed.FetchStatus != model.FetchStatusError {
		t.Errorf("FetchStatus = %q, want %q", feed.FetchStatus, model.FetchStatusError)
	}
	if feed.ErrorMessage != "HTTP 404" {
		t.Errorf("ErrorMessage = %q", feed.ErrorMessage)
	}
}

func TestApplyBackoff_IncrementsErrorsAndDelays(t *testing.T) {
	feed := &model.Feed{ID: "feed-1", FetchStatus: model.FetchStatusActive, ConsecutiveErrors: 1}

	before := time.Now()
	ApplyBackoff(feed, "HTTP 503")

	if feed.ConsecutiveErrors != 2 {
		t.Errorf("ConsecutiveErrors = %d, want 2", feed.ConsecutiveErrors)
	}
	wantMin := before.Add(30 * time.Minute)
	if feed.NextFetchAt.Before(wantMin) || feed.NextFetchAt.After(wantMin.Add(time.Minute)) {
		t.Errorf("NextFetchAt = %v, want about %v", feed.NextFetchAt, wantMin)
	}
	if feed.FetchStatus != model.FetchStatusActive {
		t.Error("バックオフではフェッチを停止してはならない")
	}
}

func TestApplySuccess_ResetsErrors(t *testing.T) {
	feed := &model.Feed{ID: "feed-1", ConsecutiveErrors: 3, ErrorMessage: "HTTP 503"}

	before := time.Now()
	ApplySuccess(feed, 20*time.Minute)

	if feed.ConsecutiveErrors != 0 || feed.ErrorMessage != "" {
		t.Errorf("エラー状態がリセットされるべき: %+v", feed)
	}
	if feed.NextFetchAt.Before(before.Add(20 * time.Minute)) {
		t.Errorf("NextFetchAt = %v, 20分後以降であるべき", feed.NextFetchAt)
	}
}

func TestApplyParseFailure_StopsAtThreshold(t *testing.T) {
	feed := &model.Feed{ID: "feed-1", FetchStatus: model.FetchStatusActive, ConsecutiveErrors: parseFailureThreshold - 2}

	ApplyParseFailure(feed, "unexpected EOF", time.Minute)
	if feed.FetchStatus != model.FetchStatusActive {
		t.Fatalf("閾値未満では停止してはならない: %+v", feed)
	}

	ApplyParseFailure(feed, "unexpected EOF", time.Minute)
	if feed.FetchStatus != model.FetchStatusError {
		t.Errorf("閾値到達で停止するべき: FetchStatus = %q", feed.FetchStatus)
	}
	if !strings.Contains(feed.ErrorMessage, "unexpected EOF") {
		t.Errorf("ErrorMessage = %q", feed.ErrorMessage)
	}
}
